// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// catchSIGTERM keeps the test binary alive while KillJobs signals rows
// registered with this process's own pid.
func catchSIGTERM(t *testing.T) {
	t.Helper()
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGTERM)
	t.Cleanup(func() { signal.Stop(ch) })
}

func openTestManager(t *testing.T) *JobManager {
	t.Helper()
	m, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRegisterAndSetRunning(t *testing.T) {
	m := openTestManager(t)

	id, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", os.Getpid(), "u1", false)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	running, err := m.IsJobRunning("stirring")
	require.NoError(t, err)
	require.True(t, running)

	require.NoError(t, m.SetNotRunning(id))
	running, err = m.IsJobRunning("stirring")
	require.NoError(t, err)
	require.False(t, running)

	// idempotent
	require.NoError(t, m.SetNotRunning(id))
}

func TestUpsertSettingPreservesCreatedAt(t *testing.T) {
	m := openTestManager(t)
	id, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", 1, "u1", false)
	require.NoError(t, err)

	v1 := "100"
	require.NoError(t, m.UpsertSetting(id, "target_rpm", &v1))
	records, err := m.ListJobSettings(id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	createdAt := records[0].CreatedAt

	time.Sleep(5 * time.Millisecond)
	v2 := "200"
	require.NoError(t, m.UpsertSetting(id, "target_rpm", &v2))
	records, err = m.ListJobSettings(id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "200", *records[0].Value)
	require.Equal(t, createdAt, records[0].CreatedAt)
	require.True(t, records[0].UpdatedAt.After(createdAt) || records[0].UpdatedAt.Equal(createdAt))
}

func TestUpsertSettingNullClearsValue(t *testing.T) {
	m := openTestManager(t)
	id, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", 1, "u1", false)
	require.NoError(t, err)

	v := "100"
	require.NoError(t, m.UpsertSetting(id, "target_rpm", &v))
	require.NoError(t, m.UpsertSetting(id, "target_rpm", nil))

	records, err := m.ListJobSettings(id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Nil(t, records[0].Value)
}

// TestKillJobsFilters: KillJobs(job_name=J) only targets
// live rows with job_name=J; long-running jobs are excluded unless
// job_name or job_id explicitly names them; the return count equals
// signals issued.
func TestKillJobsFilters(t *testing.T) {
	catchSIGTERM(t)
	m := openTestManager(t)
	self := os.Getpid()

	shortID, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", self, "u1", false)
	require.NoError(t, err)
	longID, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", self, "u1", true)
	require.NoError(t, err)
	otherID, err := m.RegisterAndSetRunning("u1", "exp1", "heater", "user", self, "u1", false)
	require.NoError(t, err)

	// job_name explicitly names "stirring", so both the short- and
	// long-running stirring rows are signaled; "heater" is untouched.
	count, err := m.KillJobs(KillFilter{JobName: "stirring"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, m.SetNotRunning(shortID))
	require.NoError(t, m.SetNotRunning(longID))
	require.NoError(t, m.SetNotRunning(otherID))
}

// TestKillJobsExcludesLongRunningByDefault: a filter that does not
// explicitly name a job_name or job_id
// (e.g. all_jobs, or an experiment filter) skips long-running rows.
func TestKillJobsExcludesLongRunningByDefault(t *testing.T) {
	catchSIGTERM(t)
	m := openTestManager(t)
	self := os.Getpid()

	shortID, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", self, "u1", false)
	require.NoError(t, err)
	_, err = m.RegisterAndSetRunning("u1", "exp1", "monitor", "user", self, "u1", true)
	require.NoError(t, err)

	count, err := m.KillJobs(KillFilter{AllJobs: true})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, m.SetNotRunning(shortID))
}

// TestKillJobsExplicitJobIDReachesLongRunning shows the explicit-naming
// escape hatch.
func TestKillJobsExplicitJobIDReachesLongRunning(t *testing.T) {
	catchSIGTERM(t)
	m := openTestManager(t)
	self := os.Getpid()

	longID, err := m.RegisterAndSetRunning("u1", "exp1", "monitor", "user", self, "u1", true)
	require.NoError(t, err)

	count, err := m.KillJobs(KillFilter{JobID: longID})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestGetSettingFromRunningJobFailsWhenNotRunning(t *testing.T) {
	m := openTestManager(t)
	_, err := m.GetSettingFromRunningJob("nonexistent", "target_rpm", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrJobNotRunning)
}

func TestGetSettingFromRunningJobReturnsValue(t *testing.T) {
	m := openTestManager(t)
	id, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", 1, "u1", false)
	require.NoError(t, err)
	v := "500"
	require.NoError(t, m.UpsertSetting(id, "target_rpm", &v))

	got, err := m.GetSettingFromRunningJob("stirring", "target_rpm", time.Second)
	require.NoError(t, err)
	require.Equal(t, "500", got)
}

func TestListJobHistoryKeepsStoppedRows(t *testing.T) {
	m := openTestManager(t)
	id, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", 1, "u1", false)
	require.NoError(t, err)
	require.NoError(t, m.SetNotRunning(id))

	history, err := m.ListJobHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].IsRunning)

	running, err := m.ListJobs()
	require.NoError(t, err)
	require.Len(t, running, 0)
}

func TestRemoveJobRejectsRunning(t *testing.T) {
	m := openTestManager(t)
	id, err := m.RegisterAndSetRunning("u1", "exp1", "stirring", "user", 1, "u1", false)
	require.NoError(t, err)

	err = m.RemoveJob(id)
	require.ErrorIs(t, err, ErrJobStillRunning)

	require.NoError(t, m.SetNotRunning(id))
	require.NoError(t, m.RemoveJob(id))
}
