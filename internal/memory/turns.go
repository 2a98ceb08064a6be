// Package memory holds the two conversation tiers: a bounded in-process
// turn buffer for short-term context and a durable fact store layered on
// the index for long-term recall.
package memory

import (
	"sync"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one utterance in a session.
type Turn struct {
	Role    string
	Content string
	Time    time.Time
}

// DefaultTurnCapacity bounds each session's buffer.
const DefaultTurnCapacity = 20

// TurnBuffer keeps the most recent turns per session in memory. Oldest
// turns fall off when the capacity is reached; durable knowledge is the
// fact store's job, not the buffer's.
//
// TurnBuffer is safe for concurrent use.
type TurnBuffer struct {
	mu       sync.RWMutex
	capacity int
	sessions map[string][]Turn
	now      func() time.Time
}

// NewTurnBuffer returns a buffer keeping up to capacity turns per
// session. A non-positive capacity uses DefaultTurnCapacity.
func NewTurnBuffer(capacity int) *TurnBuffer {
	if capacity <= 0 {
		capacity = DefaultTurnCapacity
	}
	return &TurnBuffer{
		capacity: capacity,
		sessions: make(map[string][]Turn),
		now:      time.Now,
	}
}

// Append records a turn, evicting the oldest when the session is full.
func (b *TurnBuffer) Append(session, role, content string) Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	turn := Turn{Role: role, Content: content, Time: b.now()}
	turns := append(b.sessions[session], turn)
	if len(turns) > b.capacity {
		turns = turns[len(turns)-b.capacity:]
	}
	b.sessions[session] = turns
	return turn
}

// Recent returns the session's turns oldest first. The slice is a copy.
func (b *TurnBuffer) Recent(session string) []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()

	turns := b.sessions[session]
	if len(turns) == 0 {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Clear drops a session's buffer.
func (b *TurnBuffer) Clear(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, session)
}
