// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"syscall"
	"time"
)

// KillFilter selects which live rows KillJobs targets.
// Exactly one of AllJobs, JobName, Experiment, JobSource, or JobID should
// be set; AllJobs takes priority if true.
type KillFilter struct {
	AllJobs    bool
	JobName    string
	Experiment string
	JobSource  string
	JobID      int64
}

// explicitlyNamed reports whether this filter names a specific job_name or
// job_id, the two ways a caller can reach a long-running job despite its
// exclusion from mass kills.
func (f KillFilter) explicitlyNamed() bool {
	return f.JobName != "" || f.JobID != 0
}

// JobRecord is one row of pio_job_metadata.
type JobRecord struct {
	JobID            int64      `json:"job_id"`
	Unit             string     `json:"unit"`
	Experiment       string     `json:"experiment"`
	JobName          string     `json:"job_name"`
	JobSource        string     `json:"job_source"`
	PID              int        `json:"pid"`
	Leader           string     `json:"leader"`
	IsLongRunningJob bool       `json:"is_long_running_job"`
	IsRunning        bool       `json:"is_running"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// SettingRecord is one (job, setting) row of pio_job_published_settings.
type SettingRecord struct {
	JobID     int64     `json:"job_id"`
	Setting   string    `json:"setting"`
	Value     *string   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegisterAndSetRunning inserts a new JobRecord and returns its
// auto-increment job_id.
func (m *JobManager) RegisterAndSetRunning(unit, experiment, jobName, jobSource string, pid int, leader string, isLongRunning bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(
		`INSERT INTO pio_job_metadata
			(unit, experiment, job_name, job_source, pid, leader, is_long_running_job, is_running, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		unit, experiment, jobName, jobSource, pid, leader, boolToInt(isLongRunning), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: registering job: %w", err)
	}
	return res.LastInsertId()
}

// SetNotRunning stamps ended_at and flips is_running=false. Idempotent:
// calling it twice on an already-stopped job is a no-op, not an error.
func (m *JobManager) SetNotRunning(jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(
		`UPDATE pio_job_metadata SET is_running = 0, ended_at = ? WHERE job_id = ? AND is_running = 1`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("store: marking job %d not running: %w", jobID, err)
	}
	return nil
}

// IsJobRunning reports whether any row with job_name has is_running=true
// on this node.
func (m *JobManager) IsJobRunning(jobName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM pio_job_metadata WHERE job_name = ? AND is_running = 1`, jobName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: checking is_job_running: %w", err)
	}
	return count > 0, nil
}

// GetRunningJobID returns the job_id of the currently-running instance of
// jobName on this node, if any.
func (m *JobManager) GetRunningJobID(jobName string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id int64
	err := m.db.QueryRow(`SELECT job_id FROM pio_job_metadata WHERE job_name = ? AND is_running = 1 ORDER BY job_id DESC LIMIT 1`, jobName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get_running_job_id: %w", err)
	}
	return id, true, nil
}

// KillJobs signals every matching live row whose is_long_running_job is
// false, excluding long-running jobs unless the filter explicitly names a
// job_name or job_id. Returns the number of SIGTERMs issued.
func (m *JobManager) KillJobs(filter KillFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `SELECT job_id, pid, is_long_running_job FROM pio_job_metadata WHERE is_running = 1`
	args := []any{}

	switch {
	case filter.AllJobs:
		// no extra predicate
	case filter.JobID != 0:
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	default:
		if filter.JobName != "" {
			query += ` AND job_name = ?`
			args = append(args, filter.JobName)
		}
		if filter.Experiment != "" {
			query += ` AND experiment = ?`
			args = append(args, filter.Experiment)
		}
		if filter.JobSource != "" {
			query += ` AND job_source = ?`
			args = append(args, filter.JobSource)
		}
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: selecting jobs to kill: %w", err)
	}
	defer rows.Close()

	type target struct {
		jobID         int64
		pid           int
		isLongRunning bool
	}
	var targets []target
	for rows.Next() {
		var t target
		var longRunning int
		if err := rows.Scan(&t.jobID, &t.pid, &longRunning); err != nil {
			return 0, fmt.Errorf("store: scanning kill candidates: %w", err)
		}
		t.isLongRunning = longRunning != 0
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, t := range targets {
		if t.isLongRunning && !filter.explicitlyNamed() {
			continue
		}
		if err := syscall.Kill(t.pid, syscall.SIGTERM); err != nil {
			m.logger.Warn("failed to signal job process", "job_id", t.jobID, "pid", t.pid, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// UpsertSetting inserts or updates a setting's value, preserving
// created_at and advancing updated_at. value=nil represents "cleared":
// the row is kept, not deleted.
func (m *JobManager) UpsertSetting(jobID int64, setting string, value *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	_, err := m.db.Exec(
		`INSERT INTO pio_job_published_settings (job_id, setting, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, setting) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		jobID, setting, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: upserting setting %s for job %d: %w", setting, jobID, err)
	}
	return nil
}

// GetSettingFromRunningJob blocks up to timeout for setting to appear
// (non-NULL) on the currently-running instance of jobName, polling at a
// short interval. Returns an error wrapping ErrJobNotRunning at once if no
// instance of jobName is currently running, and one wrapping
// ErrSettingTimeout if the setting has not appeared by the deadline.
func (m *JobManager) GetSettingFromRunningJob(jobName, setting string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 25 * time.Millisecond

	for {
		jobID, ok, err := m.GetRunningJobID(jobName)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrJobNotRunning, jobName)
		}

		m.mu.Lock()
		var value sql.NullString
		err = m.db.QueryRow(`SELECT value FROM pio_job_published_settings WHERE job_id = ? AND setting = ?`, jobID, setting).Scan(&value)
		m.mu.Unlock()

		if err == nil && value.Valid {
			return value.String, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s.%s", ErrSettingTimeout, jobName, setting)
		}
		time.Sleep(pollInterval)
	}
}

// ListJobs returns every currently-running JobRecord on this node.
func (m *JobManager) ListJobs() ([]JobRecord, error) {
	return m.queryJobs(`SELECT job_id, unit, experiment, job_name, job_source, pid, leader, is_long_running_job, is_running, started_at, ended_at
		FROM pio_job_metadata WHERE is_running = 1 ORDER BY job_id`)
}

// ListJobHistory returns every JobRecord ever registered on this node,
// running or not. Rows are never deleted implicitly; they are history.
func (m *JobManager) ListJobHistory() ([]JobRecord, error) {
	return m.queryJobs(`SELECT job_id, unit, experiment, job_name, job_source, pid, leader, is_long_running_job, is_running, started_at, ended_at
		FROM pio_job_metadata ORDER BY job_id`)
}

func (m *JobManager) queryJobs(query string, args ...any) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		var longRunning, running int
		var endedAt sql.NullTime
		if err := rows.Scan(&r.JobID, &r.Unit, &r.Experiment, &r.JobName, &r.JobSource, &r.PID, &r.Leader, &longRunning, &running, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("store: scanning job record: %w", err)
		}
		r.IsLongRunningJob = longRunning != 0
		r.IsRunning = running != 0
		if endedAt.Valid {
			t := endedAt.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListJobSettings returns every SettingRecord for jobID.
func (m *JobManager) ListJobSettings(jobID int64) ([]SettingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT job_id, setting, value, created_at, updated_at FROM pio_job_published_settings WHERE job_id = ? ORDER BY setting`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: listing settings for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var out []SettingRecord
	for rows.Next() {
		var s SettingRecord
		var value sql.NullString
		if err := rows.Scan(&s.JobID, &s.Setting, &value, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning setting record: %w", err)
		}
		if value.Valid {
			v := value.String
			s.Value = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetJobInfo returns a single JobRecord by job_id.
func (m *JobManager) GetJobInfo(jobID int64) (JobRecord, error) {
	records, err := m.queryJobs(`SELECT job_id, unit, experiment, job_name, job_source, pid, leader, is_long_running_job, is_running, started_at, ended_at
		FROM pio_job_metadata WHERE job_id = ?`, jobID)
	if err != nil {
		return JobRecord{}, err
	}
	if len(records) == 0 {
		return JobRecord{}, fmt.Errorf("%w: job_id %d", ErrJobNotFound, jobID)
	}
	return records[0], nil
}

// RemoveJob deletes a JobRecord and its settings, but only if it is not
// currently running.
func (m *JobManager) RemoveJob(jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running int
	if err := m.db.QueryRow(`SELECT is_running FROM pio_job_metadata WHERE job_id = ?`, jobID).Scan(&running); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job_id %d", ErrJobNotFound, jobID)
		}
		return err
	}
	if running != 0 {
		return fmt.Errorf("%w: job_id %d", ErrJobStillRunning, jobID)
	}

	if _, err := m.db.Exec(`DELETE FROM pio_job_published_settings WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	_, err := m.db.Exec(`DELETE FROM pio_job_metadata WHERE job_id = ?`, jobID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
