package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotReady is returned by WaitReady when the child exits or the deadline
// passes before the readiness marker appears.
var ErrNotReady = errors.New("proc: process did not become ready")

// Spec describes the child to supervise.
type Spec struct {
	Argv []string
	Dir  string
	Env  []string // appended to the inherited environment

	// Ready classifies one combined stdout+stderr line as the readiness
	// signal. Required.
	Ready func(line string) bool

	// Output receives every line the child prints, if non-nil. Writes are
	// serialized by the scanner goroutine.
	Output io.Writer
}

// Proc supervises one game server child: process-group start, a stdin pipe
// for the console command channel, and a scanner goroutine that drains
// combined output, mirrors it to Spec.Output and watches for the readiness
// marker. The zero value is not usable; call Start.
type Proc struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	ready chan struct{} // closed once by the scanner
	done  chan struct{} // closed when Wait returns

	exitErr error
}

// Start launches the child in its own process group and begins scanning its
// output. The returned Proc owns the child until Stop or Kill.
func Start(spec Spec) (*Proc, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("proc: empty argv")
	}
	if spec.Ready == nil {
		return nil, errors.New("proc: readiness classifier required")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("proc: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("proc: start %s: %w", spec.Argv[0], err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	p := &Proc{
		cmd:   cmd,
		stdin: stdin,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.scan(pr, spec)
	go p.wait()
	return p, nil
}

// scan drains combined output line by line. It owns pr and closes it when
// the child's write end goes away.
func (p *Proc) scan(pr *os.File, spec Spec) {
	defer func() { _ = pr.Close() }()
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	signalled := false
	for sc.Scan() {
		line := sc.Text()
		if spec.Output != nil {
			_, _ = fmt.Fprintln(spec.Output, line)
		}
		if !signalled && spec.Ready(line) {
			close(p.ready)
			signalled = true
		}
	}
}

func (p *Proc) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// WaitReady blocks until the readiness marker has been seen, the child
// exits, or the deadline passes.
func (p *Proc) WaitReady(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: exited early: %v", ErrNotReady, p.ExitErr())
	case <-t.C:
		return fmt.Errorf("%w: no marker within %s", ErrNotReady, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one console command line to the child's stdin.
func (p *Proc) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return errors.New("proc: process has exited")
	default:
	}
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("proc: send %q: %w", line, err)
	}
	return nil
}

// Stop shuts the child down: send the console stop command, wait up to
// gracePeriod for a clean exit, then escalate SIGTERM and finally SIGKILL
// to the process group. Always returns once the child is gone.
func (p *Proc) Stop(stopCmd string, gracePeriod time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.Send(stopCmd); err == nil {
		select {
		case <-p.done:
			return nil
		case <-time.After(gracePeriod):
		}
	}
	return p.Terminate(5 * time.Second)
}

// Terminate signals the process group with SIGTERM and escalates to
// SIGKILL after wait. For children without a console stop command.
func (p *Proc) Terminate(wait time.Duration) error {
	if p.Exited() {
		return nil
	}
	_ = syscall.Kill(-p.pid(), syscall.SIGTERM)
	select {
	case <-p.done:
		return nil
	case <-time.After(wait):
	}
	return p.Kill()
}

// Kill force-terminates the process group and reaps the child.
func (p *Proc) Kill() error {
	_ = syscall.Kill(-p.pid(), syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		return errors.New("proc: child did not die after SIGKILL")
	}
	return nil
}

// Done is closed when the child has exited and been reaped.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Exited reports whether the child is gone.
func (p *Proc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the child's Wait error once Done is closed.
func (p *Proc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Proc) pid() int { return p.cmd.Process.Pid }
