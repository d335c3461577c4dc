// Package match pairs waiting sessions in strict FIFO order. The queue has
// a single owner mutex; match() pops the two oldest entries, revalidates
// them against the registry, and pairs them atomically through the
// registry's critical section.
package match

import (
	"errors"
	"sync"
	"time"

	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/registry"
)

// ErrAlreadyQueued is returned when a session enqueues twice.
var ErrAlreadyQueued = errors.New("match: session already queued")

// WaitingEntry is one session's place in line.
type WaitingEntry struct {
	SessionID  string    `json:"sessionId"`
	Source     string    `json:"source"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// PairedFunc is called after each successful pairing, while the matchmaker
// lock is held. Implementations must not block: frame emission is a queue
// enqueue and repository writes are expected to be fast point inserts.
type PairedFunc func(a, b *registry.Session, room *registry.Room, waitA, waitB time.Duration)

// PolicyFunc can veto a candidate pair (e.g. same-source avoidance). The
// default policy allows every pair.
type PolicyFunc func(a, b *registry.Session) bool

// Matchmaker owns the FIFO queue of waiting sessions.
type Matchmaker struct {
	reg      *registry.Registry
	clock    clock.Clock
	onPaired PairedFunc
	policy   PolicyFunc

	mu    sync.Mutex
	queue []WaitingEntry
}

// New creates a Matchmaker over the registry. onPaired may be nil.
func New(reg *registry.Registry, clk clock.Clock, onPaired PairedFunc) *Matchmaker {
	return &Matchmaker{reg: reg, clock: clk, onPaired: onPaired}
}

// SetPolicy installs a pairing veto. Must be called before traffic starts.
func (m *Matchmaker) SetPolicy(p PolicyFunc) { m.policy = p }

// Enqueue appends a session to the back of the queue. The caller has
// already moved the session to Waiting.
func (m *Matchmaker) Enqueue(s *registry.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		if e.SessionID == s.ID {
			return ErrAlreadyQueued
		}
	}

	now := m.clock.Now()
	s.EnqueuedAt = now
	m.queue = append(m.queue, WaitingEntry{SessionID: s.ID, Source: s.Source, EnqueuedAt: now})
	return nil
}

// Remove deletes a session's entry, if present. Called on leave_queue and
// on disconnect of a Waiting session.
func (m *Matchmaker) Remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.queue {
		if e.SessionID == sessionID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Match pairs eligible sessions until no pairing is possible. Each round
// takes the oldest live entry and scans forward for the first live partner
// the policy accepts, so the head of the queue is always served first.
// Entries whose sessions are gone or no longer Waiting are pruned.
func (m *Matchmaker) Match() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		m.prune()
		if len(m.queue) < 2 {
			return
		}

		ea := m.queue[0]
		a := m.reg.Get(ea.SessionID)

		idx := -1
		for i := 1; i < len(m.queue); i++ {
			cand := m.reg.Get(m.queue[i].SessionID)
			if m.policy == nil || m.policy(a, cand) {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Nobody eligible for the head of the queue; later arrivals will
			// trigger another round.
			return
		}

		eb := m.queue[idx]
		b := m.reg.Get(eb.SessionID)
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
		m.queue = m.queue[1:]

		now := m.clock.Now()
		room, err := m.reg.Pair(a.ID, b.ID, now)
		if err != nil {
			// Lost a race with a disconnect between prune and Pair. Requeue
			// both in order; the next prune drops whichever side died.
			m.queue = append([]WaitingEntry{ea, eb}, m.queue...)
			continue
		}

		if m.onPaired != nil {
			m.onPaired(a, b, room, now.Sub(ea.EnqueuedAt), now.Sub(eb.EnqueuedAt))
		}
	}
}

// prune drops entries whose sessions are gone or no longer Waiting. Caller
// holds m.mu.
func (m *Matchmaker) prune() {
	kept := m.queue[:0]
	for _, e := range m.queue {
		s := m.reg.Get(e.SessionID)
		if s != nil && s.State() == registry.StateWaiting {
			kept = append(kept, e)
		}
	}
	m.queue = kept
}

// Size returns the current queue depth.
func (m *Matchmaker) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Snapshot returns the queue in enqueue order (oldest first).
func (m *Matchmaker) Snapshot() []WaitingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WaitingEntry, len(m.queue))
	copy(out, m.queue)
	return out
}
