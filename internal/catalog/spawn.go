// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/Pioreactor/pioreactor-sub001/internal/dispatch"
)

// Spawner starts a background job process for a run request and reports
// its pid. Implementations hand back control as soon as the process is
// launched; Spawn's caller is responsible for the grace-window check.
type Spawner interface {
	Spawn(ctx context.Context, jobName string, req dispatch.RunRequest) (pid int, wait func() error, err error)
}

// ProcessSpawner launches `pio run <job> [--opt name=value]... [args...]` as a
// detached child process.
type ProcessSpawner struct {
	// PioPath is the path to the pio binary; defaults to "pio" (resolved
	// via PATH) if empty.
	PioPath string
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, jobName string, req dispatch.RunRequest) (int, func() error, error) {
	binary := s.PioPath
	if binary == "" {
		binary = "pio"
	}

	args := []string{"run", jobName}
	for name, value := range req.Options {
		args = append(args, "--opt", fmt.Sprintf("%s=%s", name, value))
	}
	args = append(args, req.Args...)

	cmd := exec.Command(binary, args...)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("catalog: spawning %s: %w", jobName, err)
	}

	return cmd.Process.Pid, cmd.Wait, nil
}

// SpawnWithGrace runs spawner.Spawn and blocks for graceWindow to confirm
// the process is still alive: a job counts as started only if its process
// survives the window, and a sooner exit is reported as a failure.
func SpawnWithGrace(ctx context.Context, spawner Spawner, jobName string, req dispatch.RunRequest, graceWindow time.Duration) (int, error) {
	pid, wait, err := spawner.Spawn(ctx, jobName, req)
	if err != nil {
		return 0, err
	}

	exited := make(chan error, 1)
	go func() {
		exited <- wait()
	}()

	select {
	case err := <-exited:
		return 0, fmt.Errorf("catalog: %s exited during grace window: %w", jobName, err)
	case <-time.After(graceWindow):
		return pid, nil
	}
}
