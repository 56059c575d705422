package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// Process is a started assistant child, however it is hosted
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Stderr may be nil when the host merges streams (PTY)
	Stderr() io.ReadCloser

	// Wait blocks until exit and returns the exit code plus the
	// terminating signal name, if any
	Wait() (int, string, error)

	// Terminate requests a graceful stop
	Terminate() error
	// Kill stops the process forcefully
	Kill() error
}

// Spawner starts a child process for a run
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, opts StartOptions) (Process, error)
}

// cleanEnv returns the inherited environment with orchestrator-internal
// variables stripped, plus the per-run extras.
func cleanEnv(extra []string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SENESCHAL_") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}

// directSpawner runs the child on the host with plain pipes
type directSpawner struct{}

func (directSpawner) Spawn(ctx context.Context, command string, args []string, opts StartOptions) (Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = cleanEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	return &hostProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// ptySpawner runs the child under a pseudo-terminal. Some children only
// stream when they detect a TTY.
type ptySpawner struct{}

func (ptySpawner) Spawn(ctx context.Context, command string, args []string, opts StartOptions) (Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = cleanEnv(opts.Env)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s under pty: %w", command, err)
	}

	return &hostProcess{cmd: cmd, stdin: ptmx, stdout: ptmx, ptmx: ptmx}, nil
}

// hostProcess wraps an exec.Cmd started directly or under a PTY
type hostProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	ptmx   *os.File
}

func (p *hostProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *hostProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *hostProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *hostProcess) Wait() (int, string, error) {
	err := p.cmd.Wait()
	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}
	if err == nil {
		return 0, "", nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1, status.Signal().String(), nil
		}
		return exitErr.ExitCode(), "", nil
	}
	return -1, "", err
}

func (p *hostProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *hostProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
