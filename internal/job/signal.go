// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package job

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// cleanupStack is the process-wide, ordered list of cleanup callbacks
// every Job registers into on construction and removes itself from on
// CleanUp. One process may embed several jobs, so the stack, not a single
// handler per job, is what lets SIGTERM fan out to all of them in the
// right order.
type cleanupStack struct {
	mu      sync.Mutex
	entries []func()
	started bool
	cancel  context.CancelFunc
}

var globalCleanupStack = &cleanupStack{}

// registerCleanupHandler adds j's CleanUp to the shared signal-handler
// stack and lazily installs the OS signal listener the first time any job
// registers. It returns an unregister function the caller must invoke from
// CleanUp so a job that exits on its own (not via signal) doesn't linger in
// the stack.
func registerCleanupHandler(j *Job) func() {
	globalCleanupStack.mu.Lock()
	defer globalCleanupStack.mu.Unlock()

	entry := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = j.CleanUp(ctx)
	}
	globalCleanupStack.entries = append(globalCleanupStack.entries, entry)
	idx := len(globalCleanupStack.entries) - 1

	if !globalCleanupStack.started {
		globalCleanupStack.started = true
		globalCleanupStack.installSignalHandler()
	}

	return func() {
		globalCleanupStack.mu.Lock()
		defer globalCleanupStack.mu.Unlock()
		if idx < len(globalCleanupStack.entries) {
			globalCleanupStack.entries[idx] = nil
		}
	}
}

// installSignalHandler listens for SIGTERM, SIGINT, and SIGHUP. Must be
// called with mu held.
func (s *cleanupStack) installSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		<-ch
		s.runAll()
		// 1s drain: in-flight clean-up goroutines (broker disconnects,
		// Job Manager writes) need a moment to finish before the
		// process exits out from under them.
		time.Sleep(time.Second)
		os.Exit(0)
	}()
}

// runAll invokes every still-registered cleanup callback in reverse
// registration order: the most recently started job cleans up first.
func (s *cleanupStack) runAll() {
	s.mu.Lock()
	entries := make([]func(), len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i] != nil {
			entries[i]()
		}
	}
}
