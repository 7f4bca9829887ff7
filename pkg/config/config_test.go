// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	c := NewDefault()
	require.NotNil(t, c)

	assert.False(t, c.Debug)
	assert.Equal(t, defaultAPIPort, c.APIPort)
	assert.Equal(t, defaultMQTTPort, c.MQTTBrokerPort)
	assert.Greater(t, c.RequestTimeout, time.Duration(0))
	assert.Greater(t, c.GetTimeout, time.Duration(0))
	assert.Equal(t, 500*time.Millisecond, c.SpawnGraceWindow)
	assert.True(t, c.IsLeader)
	assert.Equal(t, c.Unit, c.Leader)
}

func TestConfigLoadFromINI(t *testing.T) {
	dir := t.TempDir()
	globalINI := "[mqtt]\nbroker_address = leader\nbroker_port = 1883\n\n[cluster.topology]\nleader_hostname = leader\n\n[api]\nport = 4999\n"
	unitINI := "[network.topology]\nunit_name = worker1\n"

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.ini"), []byte(globalINI), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit_config.ini"), []byte(unitINI), 0o644))

	c := NewDefault()
	c.StorageDir = dir
	require.NoError(t, c.Load())

	assert.Equal(t, "worker1", c.Unit)
	assert.Equal(t, "leader", c.Leader)
	assert.Equal(t, "leader", c.MQTTBrokerAddress)
	assert.Equal(t, 1883, c.MQTTBrokerPort)
	assert.Equal(t, 4999, c.APIPort)
}

func TestConfigLoadMissingFilesIsNotAnError(t *testing.T) {
	c := NewDefault()
	c.StorageDir = t.TempDir()
	require.NoError(t, c.Load())
}

func TestConfigEnvOverridesWinOverFiles(t *testing.T) {
	dir := t.TempDir()
	globalINI := "[network.topology]\nunit_name = from-file\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.ini"), []byte(globalINI), 0o644))

	t.Setenv("PIOREACTOR_UNIT_NAME", "from-env")
	t.Setenv("PIOREACTOR_API_PORT", "8080")

	c := NewDefault()
	c.StorageDir = dir
	require.NoError(t, c.Load())

	assert.Equal(t, "from-env", c.Unit)
	assert.Equal(t, 8080, c.APIPort)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectedErr error
	}{
		{
			name:   "valid default config",
			mutate: func(c *Config) {},
		},
		{
			name:        "missing unit",
			mutate:      func(c *Config) { c.Unit = "" },
			expectedErr: ErrMissingUnit,
		},
		{
			name:        "invalid unit name",
			mutate:      func(c *Config) { c.Unit = "bad unit!" },
			expectedErr: ErrInvalidUnitName,
		},
		{
			name:        "broadcast unit is a valid name",
			mutate:      func(c *Config) { c.Unit = BroadcastUnit },
			expectedErr: nil,
		},
		{
			name:        "missing leader",
			mutate:      func(c *Config) { c.Leader = "" },
			expectedErr: ErrMissingLeader,
		},
		{
			name:        "invalid mqtt port",
			mutate:      func(c *Config) { c.MQTTBrokerPort = 0 },
			expectedErr: ErrInvalidPort,
		},
		{
			name:        "invalid api port",
			mutate:      func(c *Config) { c.APIPort = 70000 },
			expectedErr: ErrInvalidPort,
		},
		{
			name:        "non-positive timeout",
			mutate:      func(c *Config) { c.RequestTimeout = 0 },
			expectedErr: ErrInvalidTimeout,
		},
		{
			name:        "missing storage dir",
			mutate:      func(c *Config) { c.StorageDir = "" },
			expectedErr: ErrMissingStorageDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefault()
			tt.mutate(c)
			err := c.Validate()
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	c := NewDefault()
	c.MQTTBrokerAddress = "leader"
	c.MQTTBrokerPort = 1883
	assert.Equal(t, "leader:1883", c.BrokerURL())
}

func TestUnitAddress(t *testing.T) {
	assert.Equal(t, "worker1.local", UnitAddress("worker1"))
}
