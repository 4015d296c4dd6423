//go:build !windows

package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Process struct. Has ability to set runtime arguments.
type Process struct {
	exitCode   int64
	exitSignal unix.Signal
	exitErr    error

	chExit     chan struct{}
	hasMonitor bool

	Name   string
	Args   []string
	Env    []string
	PID    int64
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	SysProcAttr *syscall.SysProcAttr
}

// NewProcess is a constructor for a process object.
func NewProcess(name string, args []string, stdout io.Writer, stderr io.Writer) *Process {
	return &Process{
		Name:   name,
		Args:   args,
		Stdout: stdout,
		Stderr: stderr,
	}
}

// GetPid returns the pid for the given process object.
func (p *Process) GetPid() (int64, error) {
	if p.PID == 0 || p.exited() {
		return 0, ErrNotRunning
	}

	err := unix.Kill(int(p.PID), 0)
	if err != nil {
		return 0, ErrNotRunning
	}

	return p.PID, nil
}

// Start will start the given process object.
func (p *Process) Start(ctx context.Context) error {
	return p.start(ctx, nil)
}

// StartWithFiles will start the given process object with extra file descriptors.
// The child sees fds[i] as descriptor 3+i.
func (p *Process) StartWithFiles(ctx context.Context, fds []*os.File) error {
	return p.start(ctx, fds)
}

func (p *Process) start(ctx context.Context, fds []*os.File) error {
	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.Stdin = p.Stdin
	cmd.Env = p.Env
	cmd.SysProcAttr = p.SysProcAttr
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Setsid = true

	if fds != nil {
		cmd.ExtraFiles = fds
	}

	// Start the process.
	err := cmd.Start()
	if err != nil {
		return fmt.Errorf("Unable to start process: %w", err)
	}

	p.PID = int64(cmd.Process.Pid)

	// Reset exit state.
	p.exitCode = 0
	p.exitSignal = 0
	p.exitErr = nil

	// Spawn a goroutine waiting for it to exit.
	p.chExit = make(chan struct{})
	p.hasMonitor = true
	go func() {
		defer close(p.chExit)

		err := cmd.Wait()
		if cmd.ProcessState == nil {
			p.exitCode = -1
			p.exitErr = err

			return
		}

		status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			p.exitCode = -1
			p.exitSignal = unix.Signal(status.Signal())
			p.exitErr = fmt.Errorf("Process killed by signal %q", p.exitSignal.String())

			return
		}

		p.exitCode = int64(cmd.ProcessState.ExitCode())
		if p.exitCode != 0 {
			p.exitErr = fmt.Errorf("Process exited with non-zero value %d", p.exitCode)
		}
	}()

	return nil
}

func (p *Process) exited() bool {
	if !p.hasMonitor {
		return false
	}

	select {
	case <-p.chExit:
		return true
	default:
		return false
	}
}

// Exited returns a channel closed once the process has terminated.
func (p *Process) Exited() <-chan struct{} {
	if !p.hasMonitor {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	return p.chExit
}

// Signal will send a signal to the given process object.
func (p *Process) Signal(signal unix.Signal) error {
	if p.PID == 0 || p.exited() {
		return ErrNotRunning
	}

	err := unix.Kill(int(p.PID), signal)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}

		return fmt.Errorf("Could not signal process: %w", err)
	}

	return nil
}

// Stop will kill the given process object and wait for it to be reaped.
func (p *Process) Stop() error {
	err := p.Signal(unix.SIGKILL)
	if err != nil {
		return err
	}

	if p.hasMonitor {
		<-p.chExit
	}

	return nil
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process is still alive after the grace period.
func (p *Process) Terminate(grace time.Duration) error {
	err := p.Signal(unix.SIGTERM)
	if err != nil {
		return err
	}

	if !p.hasMonitor {
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.chExit:
		return nil
	case <-timer.C:
	}

	err = p.Stop()
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	return nil
}

// Wait will wait for the given process object exit code.
func (p *Process) Wait(ctx context.Context) (int64, error) {
	if !p.hasMonitor {
		return -1, ErrNotStarted
	}

	select {
	case <-p.chExit:
		return p.exitCode, p.exitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ExitSignal returns the signal that terminated the process, if any.
// Only meaningful once Wait has returned.
func (p *Process) ExitSignal() (unix.Signal, bool) {
	return p.exitSignal, p.exitSignal != 0
}
