// Package realtime fans ticket events out to connected observers.
package realtime

import (
	"sync"

	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// Broadcaster delivers events to observers. Delivery is best-effort: a
// failing observer never prevents delivery to the others.
type Broadcaster interface {
	Broadcast(ev protocol.Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(protocol.Event) {}

// Multi forwards each event to several broadcasters.
type Multi struct {
	mu      sync.RWMutex
	targets []Broadcaster
}

// NewMulti combines broadcasters. Nil entries are skipped.
func NewMulti(targets ...Broadcaster) *Multi {
	m := &Multi{}
	for _, t := range targets {
		m.Add(t)
	}
	return m
}

// Add registers another broadcaster.
func (m *Multi) Add(b Broadcaster) {
	if b == nil {
		return
	}
	m.mu.Lock()
	m.targets = append(m.targets, b)
	m.mu.Unlock()
}

func (m *Multi) Broadcast(ev protocol.Event) {
	m.mu.RLock()
	targets := m.targets
	m.mu.RUnlock()
	for _, t := range targets {
		t.Broadcast(ev)
	}
}

// Func adapts a function to a Broadcaster.
type Func func(ev protocol.Event)

func (f Func) Broadcast(ev protocol.Event) { f(ev) }
