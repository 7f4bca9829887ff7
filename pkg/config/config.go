// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package config implements Pioreactor's layered configuration: a global
// config.ini shared by the cluster, a unit-local unit_config.ini, and
// environment-variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the resolved configuration for a single Pioreactor node.
type Config struct {
	// Unit is this node's name, e.g. "worker1".
	Unit string

	// Experiment is the currently active experiment name, or "" if none.
	Experiment string

	// Leader is the hostname of the cluster leader (may equal Unit).
	Leader string

	// IsLeader reports whether this node also runs the leader role.
	IsLeader bool

	// MQTTBrokerAddress is the broker host (default: the leader's address).
	MQTTBrokerAddress string
	// MQTTBrokerPort is the broker's TCP port.
	MQTTBrokerPort int

	// APIPort is the HTTP port shared by the leader and worker APIs.
	APIPort int

	// RequestTimeout bounds a single worker HTTP request.
	RequestTimeout time.Duration
	// GetTimeout is the shorter deadline used for GET fan-outs.
	GetTimeout time.Duration

	// SpawnGraceWindow is how long a spawned job must stay alive to count as
	// started (default 0.5s).
	SpawnGraceWindow time.Duration

	// StorageDir holds config.ini, unit_config.ini, the SQLite databases, and
	// the key-value stores.
	StorageDir string

	// Debug enables verbose logging.
	Debug bool
}

const (
	defaultAPIPort          = 4999
	defaultMQTTPort         = 1883
	defaultRequestTimeout   = 30 * time.Second
	defaultGetTimeout       = 15 * time.Second
	defaultSpawnGraceWindow = 500 * time.Millisecond
	defaultStorageDir       = "/home/pioreactor/.pioreactor"
)

// NewDefault returns a Config with Pioreactor's documented defaults, before
// any file or environment overrides are applied.
func NewDefault() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "leader"
	}
	return &Config{
		Unit:              hostname,
		Leader:            hostname,
		IsLeader:          true,
		MQTTBrokerAddress: hostname,
		MQTTBrokerPort:    defaultMQTTPort,
		APIPort:           defaultAPIPort,
		RequestTimeout:    defaultRequestTimeout,
		GetTimeout:        defaultGetTimeout,
		SpawnGraceWindow:  defaultSpawnGraceWindow,
		StorageDir:        defaultStorageDir,
		Debug:             getEnvBoolOrDefault("PIOREACTOR_DEBUG", false),
	}
}

// Load resolves configuration in the documented search order: the global
// config.ini in StorageDir, then unit_config.ini (unit-local overrides),
// then environment variables (highest precedence). Missing files are not an
// error; sections/keys that are absent leave the existing value untouched.
func (c *Config) Load() error {
	globalPath := filepath.Join(c.StorageDir, "config.ini")
	unitPath := filepath.Join(c.StorageDir, "unit_config.ini")

	for _, path := range []string{globalPath, unitPath} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := c.applyINIFile(path); err != nil {
			return err
		}
	}

	c.applyEnvOverrides()
	return nil
}

func (c *Config) applyINIFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	if s := f.Section("cluster.topology"); s != nil {
		if v := s.Key("leader_hostname").String(); v != "" {
			c.Leader = v
		}
	}
	if s := f.Section("mqtt"); s != nil {
		if v := s.Key("broker_address").String(); v != "" {
			c.MQTTBrokerAddress = v
		}
		if v, err := s.Key("broker_port").Int(); err == nil && v > 0 {
			c.MQTTBrokerPort = v
		}
	}
	if s := f.Section("network.topology"); s != nil {
		if v := s.Key("unit_name").String(); v != "" {
			c.Unit = v
		}
	}
	if s := f.Section("storage"); s != nil {
		if v := s.Key("storage_dir").String(); v != "" {
			c.StorageDir = v
		}
	}
	if s := f.Section("api"); s != nil {
		if v, err := s.Key("port").Int(); err == nil && v > 0 {
			c.APIPort = v
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PIOREACTOR_UNIT_NAME"); v != "" {
		c.Unit = v
	}
	if v := os.Getenv("PIOREACTOR_EXPERIMENT"); v != "" {
		c.Experiment = v
	}
	if v := os.Getenv("PIOREACTOR_LEADER_HOSTNAME"); v != "" {
		c.Leader = v
	}
	if v := os.Getenv("PIOREACTOR_MQTT_BROKER_ADDRESS"); v != "" {
		c.MQTTBrokerAddress = v
	}
	if v := os.Getenv("PIOREACTOR_MQTT_BROKER_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MQTTBrokerPort = i
		}
	}
	if v := os.Getenv("PIOREACTOR_API_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.APIPort = i
		}
	}
	if v := os.Getenv("PIOREACTOR_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("PIOREACTOR_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	c.Debug = getEnvBoolOrDefault("PIOREACTOR_DEBUG", c.Debug)
	c.IsLeader = c.Unit == c.Leader || c.IsLeader
}

// Validate checks the resolved configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Unit == "" {
		return ErrMissingUnit
	}
	if !unitPattern.MatchString(c.Unit) && c.Unit != BroadcastUnit {
		return ErrInvalidUnitName
	}
	if c.Leader == "" {
		return ErrMissingLeader
	}
	if c.MQTTBrokerPort <= 0 || c.MQTTBrokerPort > 65535 {
		return ErrInvalidPort
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return ErrInvalidPort
	}
	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.StorageDir == "" {
		return ErrMissingStorageDir
	}
	return nil
}

// BrokerURL returns the broker's host:port for dialing.
func (c *Config) BrokerURL() string {
	return c.MQTTBrokerAddress + ":" + strconv.Itoa(c.MQTTBrokerPort)
}

// UnitAddress resolves unit to its dialable hostname
// ("<unit>.local"). The broadcast identifier has no single address and
// callers must expand it first (see internal/dispatch).
func UnitAddress(unit string) string {
	return unit + ".local"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
