package runner

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/HyphaGroup/seneschal/internal/container"
	"github.com/HyphaGroup/seneschal/internal/logger"
)

// containerSpawner hosts the child inside a container. In new mode it
// creates and starts a container per run and removes it afterwards; in
// exec mode it execs into a container someone else owns.
type containerSpawner struct {
	runtime container.Runtime
}

func (s *containerSpawner) Spawn(ctx context.Context, command string, args []string, opts StartOptions) (Process, error) {
	cmd := append([]string{command}, args...)

	if opts.SpawnMode == SpawnContainerExec {
		status, err := s.runtime.Status(ctx, opts.ContainerID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", opts.ContainerID, err)
		}
		if status != container.StatusRunning {
			return nil, fmt.Errorf("container %s is %s, not running", opts.ContainerID, status)
		}

		exec, err := s.runtime.ExecInteractive(ctx, opts.ContainerID, container.ExecConfig{
			Cmd:        cmd,
			Env:        opts.Env,
			WorkingDir: opts.WorkingDir,
		})
		if err != nil {
			return nil, err
		}
		return &containerProcess{exec: exec}, nil
	}

	// container-new: the working directory is bind-mounted at the same
	// path inside so file tool output lands on the host
	exists, err := s.runtime.ImageExists(ctx, opts.ContainerImage)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := s.runtime.Pull(ctx, opts.ContainerImage); err != nil {
			return nil, err
		}
	}

	id, err := s.runtime.Create(ctx, container.CreateConfig{
		Name:       "seneschal-" + uuid.New().String()[:8],
		Image:      opts.ContainerImage,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
		Init:       true,
		Mounts: []container.Mount{
			{Type: container.MountTypeBind, Source: opts.WorkingDir, Target: opts.WorkingDir},
		},
	})
	if err != nil {
		return nil, err
	}

	if err := s.runtime.Start(ctx, id); err != nil {
		_ = s.runtime.Remove(context.Background(), id, true)
		return nil, err
	}

	exec, err := s.runtime.ExecInteractive(ctx, id, container.ExecConfig{
		Cmd:        cmd,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
	})
	if err != nil {
		_ = s.runtime.Remove(context.Background(), id, true)
		return nil, err
	}

	return &containerProcess{exec: exec, runtime: s.runtime, containerID: id, owned: true}, nil
}

// containerProcess adapts an InteractiveExec to the Process interface
type containerProcess struct {
	exec        *container.InteractiveExec
	runtime     container.Runtime
	containerID string
	owned       bool
}

func (p *containerProcess) Stdin() io.WriteCloser { return p.exec.Stdin }
func (p *containerProcess) Stdout() io.ReadCloser { return p.exec.Stdout }
func (p *containerProcess) Stderr() io.ReadCloser { return p.exec.Stderr }

func (p *containerProcess) Wait() (int, string, error) {
	code, err := p.exec.Wait()
	if p.owned {
		if rmErr := p.runtime.Remove(context.Background(), p.containerID, true); rmErr != nil {
			logger.Error("failed to remove container %s: %v", p.containerID, rmErr)
		}
	}
	return code, "", err
}

// Terminate closes stdin; the child exits when its input stream ends
func (p *containerProcess) Terminate() error {
	return p.exec.Stdin.Close()
}

func (p *containerProcess) Kill() error {
	if p.owned {
		return p.runtime.Remove(context.Background(), p.containerID, true)
	}
	return p.exec.Close()
}
