// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"sync"
)

// KVCache is the shared interface for Pioreactor's two named key-value
// stores: intermittent (wiped at reboot) and persistent (survives
// reboot). internal/growth's OD-normalization cache and the hardware
// ResourceLock both hold one of these rather than talking to SQLite
// directly.
type KVCache interface {
	Get(namespace, key string) (string, bool, error)
	Set(namespace, key, value string) error
	Delete(namespace, key string) error
}

// NewPersistentCache returns a KVCache backed by the Job Manager's own
// SQLite database — it survives a process restart because the database
// file does.
func NewPersistentCache(m *JobManager) KVCache {
	return &sqliteCache{m: m}
}

type sqliteCache struct {
	m *JobManager
}

func (c *sqliteCache) Get(namespace, key string) (string, bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	var value string
	err := c.m.db.QueryRow(`SELECT value FROM pio_kv_cache WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err != nil {
		return "", false, nil //nolint:nilerr // absence is not an error for a cache lookup
	}
	return value, true, nil
}

func (c *sqliteCache) Set(namespace, key, value string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	_, err := c.m.db.Exec(
		`INSERT INTO pio_kv_cache (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("store: caching %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (c *sqliteCache) Delete(namespace, key string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	_, err := c.m.db.Exec(`DELETE FROM pio_kv_cache WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

// NewIntermittentCache returns a KVCache backed by an in-process map: it is
// wiped every time the node's process restarts, which in practice is
// exactly when the node reboots.
func NewIntermittentCache() KVCache {
	return &memoryCache{values: make(map[string]string)}
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
}

func memKey(namespace, key string) string { return namespace + "\x00" + key }

func (c *memoryCache) Get(namespace, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[memKey(namespace, key)]
	return v, ok, nil
}

func (c *memoryCache) Set(namespace, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[memKey(namespace, key)] = value
	return nil
}

func (c *memoryCache) Delete(namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, memKey(namespace, key))
	return nil
}
