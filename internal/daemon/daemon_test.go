package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	"git.home.luguber.info/inful/agentbatch/internal/config"
	"git.home.luguber.info/inful/agentbatch/internal/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	execBin := filepath.Join(root, "assistant")
	require.NoError(t, os.WriteFile(execBin, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := &config.Config{}
	cfg.Workspace.Root = root
	cfg.Cow.Method = "copy"
	cfg.Jobs.MaxConcurrent = 1
	cfg.Jobs.TimeoutDefaultSec = 5
	cfg.Jobs.TimeoutMaxSec = 10
	cfg.Jobs.RetentionHours = 1
	cfg.Jobs.SnapshotIntervalS = 1
	cfg.Auth.SigningKey = "0123456789abcdef0123456789abcdef"
	cfg.Auth.TokenTTLSec = 60
	cfg.Executor.Binary = execBin
	cfg.Executor.GraceSec = 1
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.AdminListen = "127.0.0.1:0"
	return cfg
}

func TestDaemonStartAndStop(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))
}

func TestReaperRemovesExpiredTerminalJobs(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.eventLog.Close()
	defer d.bus.Close()

	owner := &auth.Principal{Username: "alice"}
	expired := d.store.Create(owner, "demo", "old work", job.Options{})
	_, err = d.store.SetState(expired.ID, job.StateCancelled, "")
	require.NoError(t, err)
	past := time.Now().Add(-2 * cfg.Jobs.Retention())
	_, err = d.store.Mutate(expired.ID, func(j *job.Job) { j.CompletedAt = &past })
	require.NoError(t, err)

	fresh := d.store.Create(owner, "demo", "recent work", job.Options{})
	_, err = d.store.SetState(fresh.ID, job.StateCancelled, "")
	require.NoError(t, err)

	active := d.store.Create(owner, "demo", "still pending", job.Options{})

	d.reapExpired()

	_, err = d.store.Get(expired.ID, auth.System())
	assert.Error(t, err, "expired terminal job should be reaped")
	_, err = d.store.Get(fresh.ID, auth.System())
	assert.NoError(t, err, "terminal job inside the retention window stays")
	_, err = d.store.Get(active.ID, auth.System())
	assert.NoError(t, err, "non-terminal job is never reaped")
}

func TestSnapshotTickFlushesOnlyWithWorkInFlight(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.eventLog.Close()
	defer d.bus.Close()

	path := filepath.Join(d.manager.SnapshotsDir(), "jobs.json")

	d.snapshotTick()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "idle store should not be snapshotted")

	d.store.Create(&auth.Principal{Username: "alice"}, "demo", "work", job.Options{})
	d.snapshotTick()
	assert.FileExists(t, path)
}
