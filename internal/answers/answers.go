// Package answers holds human answers waiting to be picked up by a suspended
// agent session. Producers (the realtime hub, the API, chat connectors) Put an
// answer keyed by session id; the session adapter Takes it exactly once.
package answers

import (
	"context"
	"strings"
	"sync"
)

// Store is a pending-answers service shared by producers and consumers.
type Store interface {
	// Put records the answer for a session, replacing any unclaimed one.
	Put(ctx context.Context, sessionID, answer string) error
	// Take removes and returns the answer for a session. ok is false when
	// none is waiting.
	Take(ctx context.Context, sessionID string) (answer string, ok bool, err error)
}

// Notifier is implemented by stores that can signal a waiting consumer as
// soon as an answer arrives, instead of being polled.
type Notifier interface {
	// Notify returns a channel that is closed on the next Put for sessionID.
	// stop releases the channel when the caller gives up waiting.
	Notify(sessionID string) (ch <-chan struct{}, stop func())
}

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	pending map[string]string
	waiters map[string][]chan struct{}
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		pending: make(map[string]string),
		waiters: make(map[string][]chan struct{}),
	}
}

func (m *Memory) Put(_ context.Context, sessionID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[sessionID] = strings.TrimSpace(answer)
	for _, ch := range m.waiters[sessionID] {
		close(ch)
	}
	delete(m.waiters, sessionID)
	return nil
}

func (m *Memory) Take(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	answer, ok := m.pending[sessionID]
	if ok {
		delete(m.pending, sessionID)
	}
	return answer, ok, nil
}

func (m *Memory) Notify(sessionID string) (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	if _, ok := m.pending[sessionID]; ok {
		close(ch)
		return ch, func() {}
	}
	m.waiters[sessionID] = append(m.waiters[sessionID], ch)
	return ch, func() { m.unwait(sessionID, ch) }
}

func (m *Memory) unwait(sessionID string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[sessionID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.waiters, sessionID)
		return
	}
	m.waiters[sessionID] = list
}

// Len returns the number of unclaimed answers.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
