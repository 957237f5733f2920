package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/agentbatch/internal/config"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/runner"
)

// writeFakeIndexBinary drops a shell script that records its invocation
// and behaves per subcommand.
func writeFakeIndexBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indexd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newService(binary string) *Service {
	s := NewService(binary, runner.New(config.ExecutorConfig{GraceSec: 1}))
	s.SetAvailable(binary != "")
	return s
}

func TestUnavailableWhenBinaryMissing(t *testing.T) {
	s := newService("")
	assert.False(t, s.Available())

	err := s.Reconcile(context.Background(), nil, t.TempDir())
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryStageIndex))
}

func TestReconcileRunsBinaryInWorkspace(t *testing.T) {
	ws := t.TempDir()
	bin := writeFakeIndexBinary(t, `echo "$@" > invoked.txt`)
	s := newService(bin)

	require.NoError(t, s.Reconcile(context.Background(), nil, ws))

	data, err := os.ReadFile(filepath.Join(ws, "invoked.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "reconcile --workspace "+ws)
}

func TestReconcileFailureCarriesOutput(t *testing.T) {
	bin := writeFakeIndexBinary(t, `echo "index corrupt"; exit 1`)
	s := newService(bin)

	err := s.Reconcile(context.Background(), nil, t.TempDir())
	require.Error(t, err)
	abe, ok := err.(*derrors.AgentBatchError)
	require.True(t, ok)
	assert.Contains(t, abe.Context["output"], "index corrupt")
}

func TestHealthyFollowsStatusExitCode(t *testing.T) {
	ws := t.TempDir()

	ok := newService(writeFakeIndexBinary(t, `exit 0`))
	assert.True(t, ok.Healthy(context.Background(), nil, ws))

	bad := newService(writeFakeIndexBinary(t, `exit 2`))
	assert.False(t, bad.Healthy(context.Background(), nil, ws))
}

func TestDaemonStartAndStop(t *testing.T) {
	ws := t.TempDir()
	bin := writeFakeIndexBinary(t, `trap 'exit 0' TERM; touch started.txt; sleep 60`)
	s := newService(bin)

	d, err := s.StartDaemon(nil, ws)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(ws, "started.txt"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}

func TestSystemPromptVariants(t *testing.T) {
	assert.True(t, strings.Contains(SystemPrompt(true), "index daemon is running"))
	assert.True(t, strings.Contains(SystemPrompt(false), "No semantic code index"))
}

func TestBinaryWatcherTracksExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexd")

	states := make(chan bool, 8)
	w, err := WatchBinary(path, func(ok bool) { states <- ok })
	require.NoError(t, err)
	defer w.Close()

	assert.False(t, <-states)

	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	require.Eventually(t, func() bool {
		select {
		case ok := <-states:
			return ok
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		select {
		case ok := <-states:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}
