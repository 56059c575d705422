package bridge

import (
	"context"
	"time"

	"github.com/HyphaGroup/seneschal/internal/store"
)

// DispatchPrompt delivers a prompt into a session on behalf of an
// in-process caller (the scheduler, the MCP surface). If the session
// has a running child the prompt is injected into the live turn;
// otherwise a new child is spawned. Events flow to whatever client is
// attached, and into the backlog for later replay.
func (b *Bridge) DispatchPrompt(sessionID, prompt string) error {
	sess, err := b.store.GetSession(sessionID)
	if err != nil {
		return err
	}

	// Same promotion rule as a client-sent user message
	if b.store.IsEphemeral(sess.ID) {
		if err := b.store.Promote(sess.ID); err != nil {
			return err
		}
	}

	if r, ok := b.runners.GetRunner(sess.ID); ok && r.Running() {
		if err := r.SendUserMessage(prompt, nil); err != nil {
			return err
		}
		b.appendHistory(sess.ID, store.MessageItem{Role: store.RoleUser, Content: prompt})
		return nil
	}

	return b.startRun(sess, prompt, nil, true)
}

// WaitForIdle blocks until the session leaves its running states, then
// returns the text of the last assistant entry in history. An empty
// string means the turn produced no assistant output before ctx expired.
func (b *Bridge) WaitForIdle(ctx context.Context, sessionID string) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			sess, err := b.store.GetSession(sessionID)
			if err != nil {
				return "", err
			}
			switch sess.Status {
			case store.StatusRunning, store.StatusWaitingPermission, store.StatusWaitingInput:
				continue
			}
			return b.lastAssistantText(sessionID), nil
		}
	}
}

func (b *Bridge) lastAssistantText(sessionID string) string {
	history, err := b.store.GetHistory(sessionID, 0)
	if err != nil {
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}
