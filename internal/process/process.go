package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const waitDelay = 2 * time.Second

// SpawnOptions carries what the supervisor decides at spawn time.
type SpawnOptions struct {
	Env    []string // full environment, PORT included
	Port   int
	Logger *slog.Logger // used by OutputConsole
}

// Process is a running (or exited) child. It is owned by a single supervisor;
// its methods are safe for concurrent readers.
type Process struct {
	spec  Spec
	cmd   *exec.Cmd
	runID string
	port  int

	mu      sync.Mutex
	status  Status
	closers []io.Closer
	done    chan struct{}
}

// Spawn builds the command from spec, starts it in its own process group and
// begins waiting for it in the background. Done is closed once the child has
// been reaped.
func Spawn(spec Spec, opts SpawnOptions) (*Process, error) {
	if err := spec.CheckScript(); err != nil {
		return nil, err
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, err
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = opts.Env
	// grandchildren holding our pipes must not block Wait forever
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	p := &Process{
		spec:  spec,
		cmd:   cmd,
		runID: uuid.NewString(),
		port:  opts.Port,
		done:  make(chan struct{}),
	}
	if err := p.wireOutput(opts.Logger); err != nil {
		p.closeWriters()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p.status = Status{
		Name:      spec.Name,
		RunID:     p.runID,
		Running:   true,
		PID:       cmd.Process.Pid,
		Port:      opts.Port,
		StartedAt: time.Now(),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wireOutput(l *slog.Logger) error {
	if p.spec.Log.HasFiles() {
		outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
		if err != nil {
			return err
		}
		if outW != nil {
			p.cmd.Stdout = outW
			p.closers = append(p.closers, outW)
		}
		if errW != nil {
			p.cmd.Stderr = errW
			p.closers = append(p.closers, errW)
		}
		return nil
	}
	switch p.spec.Output {
	case OutputInherit:
		p.cmd.Stdout = os.Stdout
		p.cmd.Stderr = os.Stderr
	case OutputConsole:
		if l == nil {
			l = slog.Default()
		}
		l = l.With("spinner", p.spec.Name, "run", p.runID)
		outW := newLineLogger(l, slog.LevelInfo, "stdout")
		errW := newLineLogger(l, slog.LevelError, "stderr")
		p.cmd.Stdout = outW
		p.cmd.Stderr = errW
		p.closers = append(p.closers, outW, errW)
	default:
		// nil Stdout/Stderr make exec connect the null device
	}
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

// Done is closed when the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error from Wait; valid after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.ExitErr
}

func (p *Process) PID() int      { return p.cmd.Process.Pid }
func (p *Process) Port() int     { return p.port }
func (p *Process) RunID() string { return p.runID }
func (p *Process) Spec() Spec    { return p.spec }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the child is still running and not a zombie.
func (p *Process) Alive() bool {
	if p.Exited() {
		return false
	}
	pid := p.PID()
	if isZombie(pid) {
		return false
	}
	return processExists(pid)
}

// Terminate asks the process group to exit (SIGTERM).
func (p *Process) Terminate() error { return p.signal(syscall.SIGTERM) }

// Kill forcibly ends the process group (SIGKILL).
func (p *Process) Kill() error { return p.signal(syscall.SIGKILL) }

func (p *Process) signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := signalGroup(p.PID(), sig); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %v to %s: %w", sig, p.spec.Name, err)
	}
	return nil
}

// Stop terminates the child and waits up to grace for it to exit before
// killing it. It returns once the child is reaped or another grace period of
// waiting after SIGKILL has elapsed.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	_ = p.Terminate()
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	_ = p.Kill()
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", p.spec.Name, p.PID())
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
