package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/HyphaGroup/seneschal/internal/container"
	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/stream"
)

// Manager tracks the active runner per session. A session has at most
// one live child at a time; the entry lives until the exit event.
type Manager struct {
	command string
	runtime container.Runtime

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager creates a runner manager. command is the assistant binary.
// runtime may be nil when container spawn modes are not configured.
func NewManager(command string, runtime container.Runtime) *Manager {
	return &Manager{
		command: command,
		runtime: runtime,
		runners: make(map[string]*Runner),
	}
}

// spawnerFor selects the spawner for a run's spawn mode
func (m *Manager) spawnerFor(opts StartOptions) (Spawner, error) {
	switch opts.SpawnMode {
	case "", SpawnDirect:
		return directSpawner{}, nil
	case SpawnPTY:
		return ptySpawner{}, nil
	case SpawnContainerNew, SpawnContainerExec:
		if m.runtime == nil {
			return nil, fmt.Errorf("spawn mode %s requires a container runtime", opts.SpawnMode)
		}
		return &containerSpawner{runtime: m.runtime}, nil
	default:
		return nil, fmt.Errorf("unknown spawn mode %q", opts.SpawnMode)
	}
}

// StartSession spawns a child for the session and streams its events to
// onEvent, ending with exit. Fails with ErrAlreadyActive while a
// previous child for the same session is still alive.
func (m *Manager) StartSession(ctx context.Context, sessionID, prompt string, images []ImageBlock, opts StartOptions, onEvent func(stream.Event)) error {
	spawner, err := m.spawnerFor(opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.runners[sessionID]; ok && existing.Running() {
		m.mu.Unlock()
		return ErrAlreadyActive
	}

	var r *Runner
	emit := func(e stream.Event) {
		// Drop the entry before delivering exit so an observer reacting
		// to it can immediately start a new run
		if e.Kind == stream.KindExit {
			m.mu.Lock()
			if m.runners[sessionID] == r {
				delete(m.runners, sessionID)
			}
			m.mu.Unlock()
		}
		onEvent(e)
	}
	r = NewRunner(sessionID, m.command, spawner, emit)
	m.runners[sessionID] = r
	m.mu.Unlock()

	if err := r.Start(ctx, prompt, images, opts); err != nil {
		m.mu.Lock()
		if m.runners[sessionID] == r {
			delete(m.runners, sessionID)
		}
		m.mu.Unlock()
		return err
	}

	return nil
}

// GetRunner returns the session's active runner, if any
func (m *Manager) GetRunner(sessionID string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[sessionID]
	return r, ok
}

// HasRunningSession reports whether the session has a live child
func (m *Manager) HasRunningSession(sessionID string) bool {
	m.mu.Lock()
	r, ok := m.runners[sessionID]
	m.mu.Unlock()
	return ok && r.Running()
}

// StopSession stops the session's child if one is tracked; stopping a
// session with no child is a no-op. The map entry is removed by the exit
// event, not here, so late events still route.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	r, ok := m.runners[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Stop(ctx)
}

// StopAll stops every active runner, used during shutdown
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			if err := r.Stop(ctx); err != nil {
				logger.Error("session %s: stop: %v", r.SessionID(), err)
			}
		}(r)
	}
	wg.Wait()
}

// ActiveSessions returns the ids of sessions with a tracked runner
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	return ids
}
