package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/permission"
	"github.com/HyphaGroup/seneschal/internal/stream"
	"github.com/HyphaGroup/seneschal/internal/validation"
)

// stopGrace is how long Stop waits after SIGTERM before killing
const stopGrace = 5 * time.Second

// Runner owns one child process for one session: it spawns it, feeds it
// stdin frames, and turns its output into an ordered event sequence.
type Runner struct {
	sessionID string
	command   string
	spawner   Spawner
	emit      func(stream.Event)

	mu        sync.Mutex
	proc      Process
	processor *stream.Processor
	running   bool
	stopping  bool
	done      chan struct{}
}

// NewRunner creates a runner for a session. command is the assistant
// binary; events are delivered to emit in order, ending with exit.
func NewRunner(sessionID, command string, spawner Spawner, emit func(stream.Event)) *Runner {
	return &Runner{
		sessionID: sessionID,
		command:   command,
		spawner:   spawner,
		emit:      emit,
	}
}

// SessionID returns the owning session's id
func (r *Runner) SessionID() string {
	return r.sessionID
}

// PermissionMode returns the child-confirmed permission mode of the
// current or most recent run
func (r *Runner) PermissionMode() permission.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processor == nil {
		return permission.ModeDefault
	}
	return r.processor.PermissionMode()
}

// Running reports whether the child process is alive
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// buildArgs assembles the child's command line from the run options. The
// prompt itself travels over stdin, so the positional argument is empty.
func buildArgs(opts StartOptions) []string {
	args := []string{
		"",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if opts.UpstreamSessionID != "" {
		args = append(args, "--resume", opts.UpstreamSessionID)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.CapabilityToolName != "" {
		args = append(args, "--permission-prompt-tool", opts.CapabilityToolName)
	}
	if opts.CapabilityConfigPath != "" {
		args = append(args, "--mcp-config", opts.CapabilityConfigPath)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}

	return args
}

// Start spawns the child and sends the opening user message. It returns
// once the process is up; events flow asynchronously until exit.
func (r *Runner) Start(ctx context.Context, prompt string, images []ImageBlock, opts StartOptions) error {
	if err := validation.ValidateToolNames(opts.AllowedTools); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolName, err)
	}
	if err := validation.ValidateToolNames(opts.DisallowedTools); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolName, err)
	}

	mode := opts.PermissionMode
	if mode != "" {
		normalized, err := permission.NormalizeMode(string(mode))
		if err != nil {
			return err
		}
		opts.PermissionMode = normalized
		mode = normalized
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	proc, err := r.spawner.Spawn(ctx, r.command, buildArgs(opts), opts)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.proc = proc
	r.processor = stream.NewProcessor(mode, r.emit)
	r.running = true
	r.stopping = false
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	logger.Info("session %s: started %s (mode=%s resume=%q)",
		r.sessionID, r.command, mode, opts.UpstreamSessionID)

	if err := r.writeUserFrame(prompt, images); err != nil {
		_ = proc.Kill()
		go func() { _, _, _ = proc.Wait() }()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
		return fmt.Errorf("failed to send initial message: %w", err)
	}

	pumpDone := make(chan struct{})
	go r.pumpStdout(proc, pumpDone)
	if stderr := proc.Stderr(); stderr != nil {
		go r.pumpStderr(stderr)
	}
	go r.waitForExit(proc, pumpDone, done)

	return nil
}

// pumpStdout feeds raw chunks to the processor until the stream ends
func (r *Runner) pumpStdout(proc Process, pumpDone chan struct{}) {
	defer close(pumpDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := proc.Stdout().Read(buf)
		if n > 0 {
			r.processor.HandleData(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				logger.Error("session %s: stdout read: %v", r.sessionID, err)
			}
			r.processor.Flush()
			return
		}
	}
}

// pumpStderr logs diagnostic output line by line
func (r *Runner) pumpStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Printf("session %s: [child] %s", r.sessionID, line)
		}
	}
}

// waitForExit reaps the process and emits the terminal exit event after
// every stream event has been delivered
func (r *Runner) waitForExit(proc Process, pumpDone, done chan struct{}) {
	code, signal, err := proc.Wait()
	<-pumpDone

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	close(done)

	if err != nil {
		logger.Error("session %s: wait: %v", r.sessionID, err)
	}
	logger.Info("session %s: child exited (code=%d signal=%q)", r.sessionID, code, signal)

	r.emit(stream.Event{Kind: stream.KindExit, ExitCode: code, ExitSignal: signal})
}

// stdin frame shapes
type userFrame struct {
	Type    string           `json:"type"`
	Message userFrameMessage `json:"message"`
}

type userFrameMessage struct {
	Role    string       `json:"role"`
	Content []frameBlock `json:"content"`
}

type frameBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type controlFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   controlRequest `json:"request"`
}

type controlRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

func (r *Runner) writeUserFrame(text string, images []ImageBlock) error {
	content := make([]frameBlock, 0, 1+len(images))
	content = append(content, frameBlock{Type: "text", Text: text})
	for _, img := range images {
		content = append(content, frameBlock{
			Type:   "image",
			Source: &imageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
		})
	}

	return r.writeFrame(userFrame{
		Type:    "user",
		Message: userFrameMessage{Role: "user", Content: content},
	})
}

// writeFrame serializes one NDJSON frame onto the child's stdin
func (r *Runner) writeFrame(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.proc == nil {
		return ErrNotRunning
	}
	_, err = r.proc.Stdin().Write(data)
	return err
}

// SendUserMessage sends a follow-up user message to the running child
func (r *Runner) SendUserMessage(text string, images []ImageBlock) error {
	return r.writeUserFrame(text, images)
}

// SendControlRequest sends an arbitrary control request and returns its id
func (r *Runner) SendControlRequest(subtype string, mode permission.Mode) (string, error) {
	requestID := uuid.New().String()
	err := r.writeFrame(controlFrame{
		Type:      "control_request",
		RequestID: requestID,
		Request:   controlRequest{Subtype: subtype, Mode: string(mode)},
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// RequestPermissionModeChange asks the child to switch permission mode.
// The request is fire-and-forget: the mode only takes effect when the
// child confirms via control_response. Returns false without sending
// when the child is already in the target mode.
func (r *Runner) RequestPermissionModeChange(target permission.Mode) (bool, error) {
	mode, err := permission.NormalizeMode(string(target))
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	current := permission.ModeDefault
	if r.processor != nil {
		current = r.processor.PermissionMode()
	}
	r.mu.Unlock()

	if current == mode {
		return false, nil
	}

	if _, err := r.SendControlRequest("set_permission_mode", mode); err != nil {
		return false, err
	}
	return true, nil
}

// SendInput writes raw bytes to the child's stdin, for callers that
// frame their own payloads
func (r *Runner) SendInput(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.proc == nil {
		return ErrNotRunning
	}
	_, err := r.proc.Stdin().Write(data)
	return err
}

// Stop terminates the child gracefully, escalating to a kill after the
// grace period. Stopping an already-stopped runner is a no-op.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running || r.proc == nil {
		r.mu.Unlock()
		return nil
	}
	if r.stopping {
		done := r.done
		r.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.stopping = true
	proc := r.proc
	done := r.done
	r.mu.Unlock()

	if err := proc.Terminate(); err != nil {
		logger.Error("session %s: terminate: %v", r.sessionID, err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	case <-time.After(stopGrace):
		logger.Info("session %s: grace period elapsed, killing child", r.sessionID)
		_ = proc.Kill()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
