// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package store implements the per-node Job Manager: the
// embedded relational record of every job run on this node, its source,
// its current published settings, and its live/terminated status. Also
// provides the two named key-value cache stores (intermittent/persistent)
// and the hardware resource lock.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

// JobManager is the per-node, single-writer relational job record store.
// Operations are serialized through mu; cross-process coordination is
// unnecessary because each node has exactly one Job Manager writer.
type JobManager struct {
	db     *sql.DB
	logger logging.Logger
	mu     sync.Mutex
}

// Open opens (creating if necessary) the SQLite-backed Job Manager at
// path. Use ":memory:" for tests. A 5s busy-timeout bounds waits on the
// database's own lock.
func Open(path string, logger logging.Logger) (*JobManager, error) {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting journal_mode: %w", err)
	}

	m := &JobManager{db: db, logger: logger}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *JobManager) migrate() error {
	_, err := m.db.Exec(`
CREATE TABLE IF NOT EXISTS pio_job_metadata (
	job_id INTEGER PRIMARY KEY AUTOINCREMENT,
	unit TEXT NOT NULL,
	experiment TEXT NOT NULL,
	job_name TEXT NOT NULL,
	job_source TEXT NOT NULL,
	pid INTEGER NOT NULL,
	leader TEXT NOT NULL,
	is_long_running_job INTEGER NOT NULL DEFAULT 0,
	is_running INTEGER NOT NULL DEFAULT 1,
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_job_metadata_job_name ON pio_job_metadata(job_name);
CREATE INDEX IF NOT EXISTS idx_job_metadata_is_running ON pio_job_metadata(is_running);

CREATE TABLE IF NOT EXISTS pio_job_published_settings (
	job_id INTEGER NOT NULL,
	setting TEXT NOT NULL,
	value TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, setting),
	FOREIGN KEY (job_id) REFERENCES pio_job_metadata(job_id)
);

CREATE TABLE IF NOT EXISTS pio_kv_cache (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
);
`)
	return err
}

// Close closes the underlying database handle.
func (m *JobManager) Close() error {
	return m.db.Close()
}
