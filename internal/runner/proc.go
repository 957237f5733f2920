package runner

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
)

// Proc is a long-lived supervised child, started once and stopped
// explicitly. It exists for the index daemon, which must outlive
// individual RunCommand calls within a job.
type Proc struct {
	cmd   *exec.Cmd
	done  chan error
	grace time.Duration

	mu     sync.Mutex
	exited bool
	err    error
}

// StartProc launches argv as the principal in dir and returns a handle.
// The caller owns the handle and must call Stop.
func (r *Runner) StartProc(principal *auth.Principal, dir string, argv []string) (*Proc, error) {
	if len(argv) == 0 {
		return nil, ErrSpawn
	}
	wrapped := r.buildArgv(principal, argv[0], argv[1:])

	cmd := exec.Command(wrapped[0], wrapped[1:]...)
	cmd.Dir = dir
	cmd.Env = r.scrubEnv(principal)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	capture := newCaptureBuffer(defaultHeadBytes, defaultTailBytes)
	cmd.Stdout = capture
	cmd.Stderr = capture

	if err := cmd.Start(); err != nil {
		if r.impersonate {
			return nil, fmt.Errorf("%w: %v", ErrImpersonate, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	p := &Proc{cmd: cmd, done: make(chan error, 1), grace: r.grace}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.err = err
		p.mu.Unlock()
		p.done <- err
	}()
	return p, nil
}

// Exited reports whether the child has already terminated on its own.
func (p *Proc) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Stop terminates the process group: SIGTERM, a grace window, SIGKILL.
// Safe to call after the child has already exited.
func (p *Proc) Stop() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return nil
	}

	pgid := -p.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-p.done
	return nil
}
