package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	"git.home.luguber.info/inful/agentbatch/internal/config"
)

// shRunner builds a runner without impersonation that executes /bin/sh, so
// the process lifecycle can be tested without sudo or extra OS users.
func shRunner() *Runner {
	return New(config.ExecutorConfig{
		Binary:      "/bin/sh",
		Impersonate: false,
		GraceSec:    1,
	})
}

func TestRunCommandCapturesOutputAndExitCode(t *testing.T) {
	r := shRunner()

	res, err := r.RunCommand(context.Background(), nil, t.TempDir(),
		[]string{"/bin/sh", "-c", "echo out; echo err 1>&2"}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")
	assert.False(t, res.Truncated)
	assert.False(t, res.TimedOut)
}

func TestRunCommandReportsNonZeroExit(t *testing.T) {
	r := shRunner()

	res, err := r.RunCommand(context.Background(), nil, t.TempDir(),
		[]string{"/bin/sh", "-c", "echo doomed; exit 3"}, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChildFailure))
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "doomed")
}

func TestRunCommandTimesOut(t *testing.T) {
	r := shRunner()

	start := time.Now()
	res, err := r.RunCommand(context.Background(), nil, t.TempDir(),
		[]string{"/bin/sh", "-c", "sleep 30"}, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCommandCancellation(t *testing.T) {
	r := shRunner()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.RunCommand(ctx, nil, t.TempDir(),
		[]string{"/bin/sh", "-c", "sleep 30"}, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKilled))
}

func TestRunCommandMissingBinary(t *testing.T) {
	r := shRunner()

	_, err := r.RunCommand(context.Background(), nil, t.TempDir(),
		[]string{"/no/such/binary"}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn))
}

func TestRunSendsPromptOnStdin(t *testing.T) {
	r := New(config.ExecutorConfig{Binary: "/bin/cat", GraceSec: 1})

	res, err := r.Run(context.Background(), Request{
		Workspace: t.TempDir(),
		Prompt:    "summarize the repo",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "summarize the repo", res.Output)
}

func TestBuildArgvImpersonation(t *testing.T) {
	r := New(config.ExecutorConfig{
		Binary:      "/opt/assistant",
		Impersonate: true,
		SudoPath:    "/usr/bin/sudo",
	})
	p := &auth.Principal{Username: "alice"}

	argv := r.buildArgv(p, "/opt/assistant", []string{"--append-system-prompt", "hint"})
	assert.Equal(t, []string{
		"/usr/bin/sudo", "-n", "-u", "alice", "--",
		"/opt/assistant", "--append-system-prompt", "hint",
	}, argv)

	// Without a principal the template is never applied.
	argv = r.buildArgv(nil, "/opt/assistant", nil)
	assert.Equal(t, []string{"/opt/assistant"}, argv)
}

func TestScrubEnvUsesAllowList(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "s3cret")
	t.Setenv("EXTRA_ALLOWED", "yes")
	t.Setenv("PATH", "/usr/bin")

	r := New(config.ExecutorConfig{EnvAllow: []string{"EXTRA_ALLOWED"}})
	env := r.scrubEnv(&auth.Principal{Username: "alice", HomeDir: "/home/alice"})

	assert.Contains(t, env, "HOME=/home/alice")
	assert.Contains(t, env, "USER=alice")
	assert.Contains(t, env, "LOGNAME=alice")
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "EXTRA_ALLOWED=yes")
	for _, kv := range env {
		assert.NotContains(t, kv, "SECRET_TOKEN")
	}
}
