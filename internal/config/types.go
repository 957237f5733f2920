// Package config loads and validates the server configuration from a YAML
// file, an optional .env file, and AGENTBATCH_* environment overrides.
// Configuration is read-only after startup; key rotation requires restart.
package config

import "time"

// Config is the root configuration for the server.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Auth      AuthConfig      `yaml:"auth"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Index     IndexConfig     `yaml:"index"`
	Cow       CowConfig       `yaml:"cow"`
	Server    ServerConfig    `yaml:"server"`
	Events    EventsConfig    `yaml:"events"`
}

// WorkspaceConfig controls the on-disk layout root.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// JobsConfig bounds job admission and lifetime.
type JobsConfig struct {
	MaxConcurrent     int `yaml:"maxConcurrent"`
	TimeoutDefaultSec int `yaml:"timeoutDefaultSec"`
	TimeoutMaxSec     int `yaml:"timeoutMaxSec"`
	RetentionHours    int `yaml:"retentionHours"`
	SnapshotIntervalS int `yaml:"snapshotIntervalSec"`
}

// AuthConfig holds the token signing material and admin principals.
type AuthConfig struct {
	SigningKey  string   `yaml:"signingKey"`
	TokenTTLSec int      `yaml:"tokenTtlSec"`
	AdminUsers  []string `yaml:"adminUsers"`
}

// ExecutorConfig locates the AI assistant binary and its environment policy.
type ExecutorConfig struct {
	Binary      string   `yaml:"binary"`
	EnvAllow    []string `yaml:"envAllow"`
	Impersonate bool     `yaml:"impersonate"`
	SudoPath    string   `yaml:"sudoPath"`
	GraceSec    int      `yaml:"graceSec"`
}

// IndexConfig locates the semantic-index binary.
type IndexConfig struct {
	Binary string `yaml:"binary"`
}

// CowConfig optionally pins the workspace clone strategy.
// Empty means auto-detect at startup.
type CowConfig struct {
	Method string `yaml:"method"`
}

// ServerConfig holds HTTP bind addresses.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	AdminListen string `yaml:"adminListen"`
}

// EventsConfig controls the transition event log and optional NATS mirror.
type EventsConfig struct {
	NATSURL     string `yaml:"natsUrl"`
	NATSSubject string `yaml:"natsSubject"`
}

// DefaultTimeout returns the default per-job timeout as a duration.
func (j JobsConfig) DefaultTimeout() time.Duration {
	return time.Duration(j.TimeoutDefaultSec) * time.Second
}

// MaxTimeout returns the upper bound for per-job timeouts.
func (j JobsConfig) MaxTimeout() time.Duration {
	return time.Duration(j.TimeoutMaxSec) * time.Second
}

// Retention returns the auto-reap window after terminal transitions.
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionHours) * time.Hour
}

// SnapshotInterval returns the floor cadence for job store snapshots.
func (j JobsConfig) SnapshotInterval() time.Duration {
	return time.Duration(j.SnapshotIntervalS) * time.Second
}

// TokenTTL returns the bearer token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSec) * time.Second
}

// Grace returns the window between polite and forceful child termination.
func (e ExecutorConfig) Grace() time.Duration {
	return time.Duration(e.GraceSec) * time.Second
}
