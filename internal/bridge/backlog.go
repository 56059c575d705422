package bridge

import (
	"fmt"
	"sync"

	"github.com/HyphaGroup/seneschal/internal/metrics"
)

// backlog is a bounded ring of outbound session messages kept for
// attach-time replay. Indices are logical and monotonically increasing;
// when the ring is full the oldest message is evicted and startIndex
// advances, so replay from an evicted position fails loudly instead of
// silently skipping history.
type backlog struct {
	mu         sync.Mutex
	sessionID  string
	messages   []Message
	maxSize    int
	startIndex int // logical index of messages[0]
	dropped    int
}

func newBacklog(sessionID string, maxSize int) *backlog {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &backlog{
		sessionID:  sessionID,
		messages:   make([]Message, 0, maxSize),
		maxSize:    maxSize,
		startIndex: 1, // index 0 is "before everything"
	}
}

// Append stores a message and returns its logical index
func (b *backlog) Append(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.messages) >= b.maxSize {
		b.messages = b.messages[1:]
		b.startIndex++
		b.dropped++
		metrics.RecordBacklogDrop(b.sessionID)
	}

	index := b.startIndex + len(b.messages)
	msg.Index = index
	b.messages = append(b.messages, msg)
	return index
}

// After returns all messages with logical index > index. index <= 0
// returns everything still buffered. An index older than the buffer's
// start means eviction already claimed part of the requested range.
func (b *backlog) After(index int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index <= 0 {
		out := make([]Message, len(b.messages))
		copy(out, b.messages)
		return out, nil
	}

	if index+1 < b.startIndex {
		return nil, fmt.Errorf("messages before index %d were evicted (buffer starts at %d)",
			index+1, b.startIndex)
	}

	offset := index + 1 - b.startIndex
	if offset >= len(b.messages) {
		return nil, nil
	}

	out := make([]Message, len(b.messages)-offset)
	copy(out, b.messages[offset:])
	return out, nil
}

// LastIndex returns the logical index of the newest message, or -1
func (b *backlog) LastIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return b.startIndex - 1
	}
	return b.startIndex + len(b.messages) - 1
}

// Dropped reports how many messages eviction has claimed
func (b *backlog) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
