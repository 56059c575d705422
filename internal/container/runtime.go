package container

import (
	"context"
	"io"
)

// Runtime abstracts the container engine used to host assistant
// subprocesses. Sessions either create a fresh container per run or exec
// into one that already exists.
type Runtime interface {
	// Lifecycle
	Create(ctx context.Context, config CreateConfig) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error

	// ExecInteractive runs a command with attached stdin/stdout pipes
	ExecInteractive(ctx context.Context, containerID string, config ExecConfig) (*InteractiveExec, error)

	// Status reports the container's current lifecycle state
	Status(ctx context.Context, containerID string) (Status, error)

	// Images
	ImageExists(ctx context.Context, imageName string) (bool, error)
	Pull(ctx context.Context, imageName string) error

	// Health
	Ping(ctx context.Context) error
	Close() error

	Name() string
	IsAvailable() bool
}

// InteractiveExec is a running in-container command with attached I/O
type InteractiveExec struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	done   chan struct{}
	wait   func() (int, error)
}

// NewInteractiveExec wraps the streams and wait function of a started exec
func NewInteractiveExec(stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() (int, error)) *InteractiveExec {
	return &InteractiveExec{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
		wait:   wait,
	}
}

// Done returns a channel that is closed when the process exits
func (e *InteractiveExec) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the process exits and returns its exit code
func (e *InteractiveExec) Wait() (int, error) {
	code, err := e.wait()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	return code, err
}

// Close closes all I/O streams
func (e *InteractiveExec) Close() error {
	if e.Stdin != nil {
		_ = e.Stdin.Close()
	}
	if e.Stdout != nil {
		_ = e.Stdout.Close()
	}
	if e.Stderr != nil {
		_ = e.Stderr.Close()
	}
	return nil
}

// CreateConfig for container creation
type CreateConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Entrypoint  []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	Labels      map[string]string
	Init        bool
	AutoRemove  bool
	NetworkMode string
	Memory      string // Memory limit (e.g., "4G", "2048M")
	CPUs        int
}

// MountType represents the type of mount
type MountType string

const (
	MountTypeBind   MountType = "bind"
	MountTypeVolume MountType = "volume"
	MountTypeTmpfs  MountType = "tmpfs"
)

// Mount represents a bind mount or volume
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// ExecConfig for command execution
type ExecConfig struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// Status enum
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	StatusUnknown Status = "unknown"
)
