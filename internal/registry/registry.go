// Package registry is the authoritative in-memory map of live client
// sessions. It owns every Session's state-machine fields and the room table,
// and delivers outbound frames through per-session bounded queues. All
// partner/room mutations go through the Registry so the pairing invariants
// hold under one lock.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the client session state machine: Idle -> Waiting -> Paired ->
// Idle (cycle), with Closed absorbing from any state.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StatePaired
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// OutboundQueueSize bounds the per-session outbound frame queue. A session
// whose queue overflows is unhealthy and gets disconnected.
const OutboundQueueSize = 64

// Errors returned by state transitions.
var (
	ErrNotFound  = errors.New("registry: session not found")
	ErrBadState  = errors.New("registry: illegal state transition")
	ErrQueueFull = errors.New("registry: outbound queue full")
)

// Session is one end of a live duplex channel. The state fields are guarded
// by the owning Registry's mutex; the outbound channel is written only via
// Registry.Send and closed exactly once on unregister.
type Session struct {
	ID        string
	Source    string
	CreatedAt time.Time

	reg *Registry

	// Guarded by reg.mu.
	state     State
	partnerID string
	roomID    string

	out       chan []byte
	closeOnce sync.Once

	// Owned by the session's router goroutine; no locking.
	LastTypingSent time.Time
	EnqueuedAt     time.Time
}

// Out exposes the outbound frame queue for the transport's writer goroutine.
func (s *Session) Out() <-chan []byte { return s.out }

// State returns the session's current state.
func (s *Session) State() State {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return s.state
}

// PartnerID returns the paired partner's session id, or "".
func (s *Session) PartnerID() string {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return s.partnerID
}

// RoomID returns the session's room id, or "".
func (s *Session) RoomID() string {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return s.roomID
}

// closeOut closes the outbound queue exactly once, ending the writer
// goroutine.
func (s *Session) closeOut() {
	s.closeOnce.Do(func() { close(s.out) })
}

// Room is the pairing of two sessions. Mutable fields are guarded by the
// Registry's mutex.
type Room struct {
	ID        string
	SessionA  string
	SessionB  string
	SourceA   string
	SourceB   string
	StartedAt time.Time

	messageCount int
	lastActivity time.Time
}

// RoomInfo is a read-only copy of a Room for snapshots.
type RoomInfo struct {
	ID           string    `json:"roomId"`
	SessionA     string    `json:"sessionA"`
	SessionB     string    `json:"sessionB"`
	SourceA      string    `json:"sourceA"`
	SourceB      string    `json:"sourceB"`
	StartedAt    time.Time `json:"startedAt"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// SessionInfo is a read-only copy of a Session for snapshots.
type SessionInfo struct {
	ID        string    `json:"sessionId"`
	Source    string    `json:"source"`
	State     string    `json:"state"`
	RoomID    string    `json:"roomId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry maintains sessionID -> Session and roomID -> Room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]*Room
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]*Room),
	}
}

// Register allocates a Session for an admitted connection. The session
// starts Idle.
func (r *Registry) Register(source string, now time.Time) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		Source:    source,
		CreatedAt: now,
		reg:       r,
		state:     StateIdle,
		out:       make(chan []byte, OutboundQueueSize),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session for an id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Unregister removes a session from the map, marks it Closed, and closes
// its outbound queue. Idempotent: the second call is a no-op returning
// false. Partner severing is the router's job and happens before this.
// The close happens while the write lock is held so it cannot interleave
// with a Send that already passed its liveness check.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.state = StateClosed
		s.partnerID = ""
		s.roomID = ""
		delete(r.sessions, id)
		s.closeOut()
	}
	r.mu.Unlock()
	return ok
}

// Send enqueues one outbound frame for a session. Frames to unknown or
// Closed sessions are silently dropped. ErrQueueFull means the session is
// unhealthy and the caller must disconnect it. The read lock covers the
// enqueue itself: Unregister closes the queue under the write lock, so a
// send that saw the session live cannot race the close. The enqueue is
// non-blocking, so no I/O happens under the lock.
func (r *Registry) Send(id string, frame []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.state == StateClosed {
		return nil
	}

	select {
	case s.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomCount returns the number of active rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

// SetWaiting moves a session Idle -> Waiting.
func (r *Registry) SetWaiting(id string) error {
	return r.transition(id, StateIdle, StateWaiting)
}

// SetIdle moves a session Waiting -> Idle (leave_queue).
func (r *Registry) SetIdle(id string) error {
	return r.transition(id, StateWaiting, StateIdle)
}

func (r *Registry) transition(id string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.state != from {
		return ErrBadState
	}
	s.state = to
	return nil
}

// ---------------------------------------------------------------------------
// Pairing
// ---------------------------------------------------------------------------

// Pair atomically pairs two Waiting sessions into a fresh room: both flip to
// Paired, cross-linked, and the room is recorded, all under one critical
// section. Fails without side effects if either session is gone or not
// Waiting.
func (r *Registry) Pair(aID, bID string, now time.Time) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, okA := r.sessions[aID]
	b, okB := r.sessions[bID]
	if !okA || !okB {
		return nil, ErrNotFound
	}
	if a.state != StateWaiting || b.state != StateWaiting {
		return nil, ErrBadState
	}

	room := &Room{
		ID:           uuid.New().String(),
		SessionA:     aID,
		SessionB:     bID,
		SourceA:      a.Source,
		SourceB:      b.Source,
		StartedAt:    now,
		lastActivity: now,
	}

	a.state = StatePaired
	a.partnerID = bID
	a.roomID = room.ID
	b.state = StatePaired
	b.partnerID = aID
	b.roomID = room.ID
	r.rooms[room.ID] = room

	return room, nil
}

// BreakPair severs a pairing from either side: both sessions drop their
// partner/room links and return to Idle, and the room is removed. Returns
// the partner's id and a copy of the room. ok is false if the session is
// not Paired (the break already happened or never existed).
func (r *Registry) BreakPair(id string, now time.Time) (partnerID string, room RoomInfo, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions[id]
	if !found || s.state != StatePaired {
		return "", RoomInfo{}, false
	}

	partnerID = s.partnerID
	rm := r.rooms[s.roomID]
	if rm != nil {
		room = rm.info()
		room.LastActivity = now
		delete(r.rooms, rm.ID)
	}

	s.state = StateIdle
	s.partnerID = ""
	s.roomID = ""

	if p, okP := r.sessions[partnerID]; okP && p.state == StatePaired && p.partnerID == id {
		p.state = StateIdle
		p.partnerID = ""
		p.roomID = ""
	}

	return partnerID, room, true
}

// TouchRoom bumps a room's message count and activity time. Returns the new
// message count, or 0 if the room is gone.
func (r *Registry) TouchRoom(roomID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	rm.messageCount++
	rm.lastActivity = now
	return rm.messageCount
}

func (rm *Room) info() RoomInfo {
	return RoomInfo{
		ID:           rm.ID,
		SessionA:     rm.SessionA,
		SessionB:     rm.SessionB,
		SourceA:      rm.SourceA,
		SourceB:      rm.SourceB,
		StartedAt:    rm.StartedAt,
		MessageCount: rm.messageCount,
		LastActivity: rm.lastActivity,
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SnapshotSessions returns read-only copies of all live sessions.
func (r *Registry) SnapshotSessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			Source:    s.Source,
			State:     s.state.String(),
			RoomID:    s.roomID,
			CreatedAt: s.CreatedAt,
		})
	}
	return out
}

// SnapshotRooms returns read-only copies of all active rooms.
func (r *Registry) SnapshotRooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.info())
	}
	return out
}
