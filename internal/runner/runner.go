// Package runner spawns external processes under the job principal's OS
// identity: the AI assistant itself, the workspace git update, and the
// index daemon commands. Prompts always travel on stdin; argv is assembled
// as an array, never via shell string concatenation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	"git.home.luguber.info/inful/agentbatch/internal/config"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Sentinel failure modes reported to the pipeline coordinator.
var (
	ErrSpawn        = errors.New("cannot launch process")
	ErrImpersonate  = errors.New("cannot impersonate principal")
	ErrTimeout      = errors.New("process exceeded timeout")
	ErrKilled       = errors.New("process cancelled")
	ErrChildFailure = errors.New("process exited non-zero")
)

// Default capture budget: 256 KiB head, 256 KiB tail.
const (
	defaultHeadBytes = 256 << 10
	defaultTailBytes = 256 << 10
)

// Result carries the captured outcome of a child process.
type Result struct {
	Output    string
	Truncated bool
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
}

// Request describes one executor invocation.
type Request struct {
	Workspace    string
	Principal    *auth.Principal
	Prompt       string
	Images       []string // absolute paths, already resolved inside the workspace
	SystemPrompt string   // optional prefix injected via the assistant's flag
	Timeout      time.Duration
}

// Runner launches the executor and auxiliary commands.
type Runner struct {
	binary      string
	sudoPath    string
	impersonate bool
	envAllow    []string
	grace       time.Duration
}

// New creates a runner from the executor configuration.
func New(cfg config.ExecutorConfig) *Runner {
	return &Runner{
		binary:      cfg.Binary,
		sudoPath:    cfg.SudoPath,
		impersonate: cfg.Impersonate,
		envAllow:    cfg.EnvAllow,
		grace:       cfg.Grace(),
	}
}

// Binary returns the configured executor path.
func (r *Runner) Binary() string { return r.binary }

// Run executes the assistant in the workspace and captures its output.
// Cancellation of ctx terminates the child promptly: SIGTERM to the
// process group, a grace window, then SIGKILL.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	args := make([]string, 0, 2+len(req.Images))
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	args = append(args, req.Images...)

	return r.spawn(ctx, req.Principal, req.Workspace,
		strings.NewReader(req.Prompt), r.binary, args, req.Timeout)
}

// RunCommand executes an arbitrary allow-listed command as the principal in
// dir. Used for the git pre-update and index daemon control commands.
func (r *Runner) RunCommand(ctx context.Context, principal *auth.Principal, dir string, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, ErrSpawn
	}
	return r.spawn(ctx, principal, dir, nil, argv[0], argv[1:], timeout)
}

func (r *Runner) spawn(ctx context.Context, principal *auth.Principal, dir string, stdin io.Reader, binary string, args []string, timeout time.Duration) (*Result, error) {
	argv := r.buildArgv(principal, binary, args)

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Env = r.scrubEnv(principal)
	// Own process group so descendants die with the child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	capture := newCaptureBuffer(defaultHeadBytes, defaultTailBytes)
	cmd.Stdout = capture
	cmd.Stderr = capture

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if r.impersonate {
			return nil, fmt.Errorf("%w: %v", ErrImpersonate, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	waitErr := r.waitWithTermination(runCtx, cmd)
	duration := time.Since(start)

	res := &Result{
		Output:    capture.String(),
		Truncated: capture.Truncated(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Duration:  duration,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		return res, ErrTimeout
	case ctx.Err() == context.Canceled:
		return res, ErrKilled
	case waitErr != nil:
		if res.ExitCode != 0 {
			return res, fmt.Errorf("%w: exit code %d", ErrChildFailure, res.ExitCode)
		}
		return res, fmt.Errorf("%w: %v", ErrChildFailure, waitErr)
	}
	return res, nil
}

// waitWithTermination waits for the child, escalating SIGTERM -> SIGKILL on
// context cancellation. Signals target the negative pid, i.e. the whole
// process group.
func (r *Runner) waitWithTermination(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	pgid := -cmd.Process.Pid
	slog.Debug("Terminating process group", slog.Int("pgid", -pgid))
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-time.After(r.grace):
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	return <-done
}

// buildArgv wraps the command in the fixed sudo template when impersonation
// is enabled. The server process must never hand its own privileges to the
// child.
func (r *Runner) buildArgv(principal *auth.Principal, binary string, args []string) []string {
	if r.impersonate && principal != nil {
		argv := []string{r.sudoPath, "-n", "-u", principal.Username, "--", binary}
		return append(argv, args...)
	}
	return append([]string{binary}, args...)
}

// scrubEnv builds the minimal safe environment: identity variables derived
// from the principal, PATH and locale from the server, plus the configured
// allow-list.
func (r *Runner) scrubEnv(principal *auth.Principal) []string {
	env := make([]string, 0, 8+len(r.envAllow))
	if principal != nil {
		env = append(env,
			"HOME="+principal.HomeDir,
			"USER="+principal.Username,
			"LOGNAME="+principal.Username,
		)
	}
	for _, key := range append([]string{"PATH", "LANG", "LC_ALL", "TZ"}, r.envAllow...) {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// GitPullArgs is the fixed argv template for the workspace pre-update.
func GitPullArgs() []string { return []string{"git", "pull", "--ff-only"} }

// LogResult emits the standard completion log line for a child process.
func LogResult(jobID string, res *Result) {
	slog.Info("Child process finished",
		logfields.JobID(jobID),
		logfields.ExitCode(res.ExitCode),
		logfields.DurationMS(float64(res.Duration.Milliseconds())))
}
