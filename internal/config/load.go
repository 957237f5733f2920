package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file (which may be absent),
// layers AGENTBATCH_* environment variables on top, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	// .env values never override the real process environment.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Config file is optional; env and defaults carry the rest.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps the documented configuration keys onto environment names:
// workspace.root -> AGENTBATCH_WORKSPACE_ROOT and so on.
func applyEnv(cfg *Config) {
	setString(&cfg.Workspace.Root, "AGENTBATCH_WORKSPACE_ROOT")
	setInt(&cfg.Jobs.MaxConcurrent, "AGENTBATCH_JOBS_MAX_CONCURRENT")
	setInt(&cfg.Jobs.TimeoutDefaultSec, "AGENTBATCH_JOBS_TIMEOUT_DEFAULT_SEC")
	setInt(&cfg.Jobs.TimeoutMaxSec, "AGENTBATCH_JOBS_TIMEOUT_MAX_SEC")
	setInt(&cfg.Jobs.RetentionHours, "AGENTBATCH_JOBS_RETENTION_HOURS")
	setInt(&cfg.Jobs.SnapshotIntervalS, "AGENTBATCH_JOBS_SNAPSHOT_INTERVAL_SEC")
	setString(&cfg.Auth.SigningKey, "AGENTBATCH_AUTH_SIGNING_KEY")
	setInt(&cfg.Auth.TokenTTLSec, "AGENTBATCH_AUTH_TOKEN_TTL_SEC")
	setList(&cfg.Auth.AdminUsers, "AGENTBATCH_AUTH_ADMIN_USERS")
	setString(&cfg.Executor.Binary, "AGENTBATCH_EXECUTOR_BINARY")
	setList(&cfg.Executor.EnvAllow, "AGENTBATCH_EXECUTOR_ENV_ALLOW")
	setString(&cfg.Index.Binary, "AGENTBATCH_INDEX_BINARY")
	setString(&cfg.Cow.Method, "AGENTBATCH_COW_METHOD")
	setString(&cfg.Server.Listen, "AGENTBATCH_SERVER_LISTEN")
	setString(&cfg.Server.AdminListen, "AGENTBATCH_SERVER_ADMIN_LISTEN")
	setString(&cfg.Events.NATSURL, "AGENTBATCH_EVENTS_NATS_URL")
	setString(&cfg.Events.NATSSubject, "AGENTBATCH_EVENTS_NATS_SUBJECT")

	if v := os.Getenv("AGENTBATCH_EXECUTOR_IMPERSONATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Executor.Impersonate = b
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "/var/lib/agentbatch"
	}
	if cfg.Jobs.MaxConcurrent <= 0 {
		cfg.Jobs.MaxConcurrent = 5
	}
	if cfg.Jobs.TimeoutDefaultSec <= 0 {
		cfg.Jobs.TimeoutDefaultSec = 600
	}
	if cfg.Jobs.TimeoutMaxSec <= 0 {
		cfg.Jobs.TimeoutMaxSec = 3600
	}
	if cfg.Jobs.RetentionHours <= 0 {
		cfg.Jobs.RetentionHours = 72
	}
	if cfg.Jobs.SnapshotIntervalS <= 0 {
		cfg.Jobs.SnapshotIntervalS = 30
	}
	if cfg.Auth.TokenTTLSec <= 0 {
		cfg.Auth.TokenTTLSec = 8 * 3600
	}
	if cfg.Executor.Binary == "" {
		cfg.Executor.Binary = "/usr/local/bin/agent"
	}
	if cfg.Executor.SudoPath == "" {
		cfg.Executor.SudoPath = "/usr/bin/sudo"
	}
	if cfg.Executor.GraceSec <= 0 {
		cfg.Executor.GraceSec = 5
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8844"
	}
	if cfg.Server.AdminListen == "" {
		cfg.Server.AdminListen = ":8845"
	}
	if cfg.Events.NATSSubject == "" {
		cfg.Events.NATSSubject = "agentbatch.jobs"
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signingKey is required")
	}
	if len(c.Auth.SigningKey) < 32 {
		return fmt.Errorf("auth.signingKey must be at least 32 bytes")
	}
	if c.Jobs.TimeoutDefaultSec > c.Jobs.TimeoutMaxSec {
		return fmt.Errorf("jobs.timeoutDefaultSec (%d) exceeds jobs.timeoutMaxSec (%d)",
			c.Jobs.TimeoutDefaultSec, c.Jobs.TimeoutMaxSec)
	}
	switch c.Cow.Method {
	case "", "reflink", "snapshot", "hardlink", "copy":
	default:
		return fmt.Errorf("cow.method %q is not one of reflink, snapshot, hardlink, copy", c.Cow.Method)
	}
	return nil
}
