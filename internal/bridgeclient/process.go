package bridgeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/opendiag/vcibridge/internal/procutil"
)

// process wraps the running bridge subprocess. stdin and stdout carry the
// line-JSON protocol; stderr is pumped to the given writer as-is.
type process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderrDone  chan struct{}
	waitOnce    sync.Once
	waitErr     error
	waitCh      chan error
	terminateMu sync.Mutex
}

func startProcess(ctx context.Context, command string, args []string, stderr io.Writer) (*process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.CommandContext(ctx, command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridgeclient: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridgeclient: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("bridgeclient: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridgeclient: start bridge: %w", err)
	}

	p := &process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderrDone: make(chan struct{}),
		waitCh:     make(chan error, 1),
	}

	go func() {
		_, _ = io.Copy(stderr, stderrPipe)
		close(p.stderrDone)
	}()

	go func() {
		err := cmd.Wait()
		p.waitOnce.Do(func() {
			p.waitErr = err
		})
		<-p.stderrDone
		p.waitCh <- err
		close(p.waitCh)
	}()

	return p, nil
}

// Wait blocks until the bridge exits.
func (p *process) Wait() error {
	err, ok := <-p.waitCh
	if !ok {
		return p.waitErr
	}
	return err
}

// Terminate closes stdin so the bridge can exit on its own, then signals
// it, then kills it after grace expires.
func (p *process) Terminate(grace time.Duration) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	p.terminateMu.Lock()
	defer p.terminateMu.Unlock()

	select {
	case <-p.waitCh:
		return p.waitErr
	default:
	}

	_ = p.stdin.Close()
	_ = procutil.GracefulTerminate(p.cmd.Process)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.waitCh:
		return p.waitErr
	case <-timer.C:
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("bridgeclient: kill bridge: %w", err)
		}
		<-p.waitCh
		return p.waitErr
	}
}

// Pid returns the bridge's OS process id, or 0 when not running.
func (p *process) Pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitCode extracts the exit code from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
