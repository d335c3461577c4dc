// Package router dispatches decoded client frames against the session state
// machine and drives the message pipeline: rate limiting, sanitization,
// spam scoring, profanity screening, and relay to the partner. It owns the
// matchmaker and the disconnect choreography; the transport layer only
// feeds it frames and reports closed connections.
package router

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/events"
	"github.com/murmur/chat-app/internal/match"
	"github.com/murmur/chat-app/internal/metrics"
	"github.com/murmur/chat-app/internal/moderation"
	"github.com/murmur/chat-app/internal/protocol"
	"github.com/murmur/chat-app/internal/ratelimit"
	"github.com/murmur/chat-app/internal/registry"
	"github.com/murmur/chat-app/internal/stats"
	"github.com/murmur/chat-app/internal/store"
)

// TypingInterval is the minimum gap between typing notifications forwarded
// to a partner. Bursts inside the interval collapse into one frame.
const TypingInterval = time.Second

// writeTimeout bounds repository writes issued from the frame path.
const writeTimeout = 3 * time.Second

// Limiter is the slice of the rate limiting contract the router needs.
type Limiter interface {
	Check(ctx context.Context, source string, rule ratelimit.Rule) bool
	Increment(ctx context.Context, source string, rule ratelimit.Rule)
}

// Repository is the slice of the persistence contract the router needs.
// Failures on these calls are logged and swallowed; the chat keeps flowing.
type Repository interface {
	CreateSession(ctx context.Context, rec store.SessionRecord) error
	CloseSession(ctx context.Context, roomID string, endedAt int64, messageCount int) error
	AppendMessage(ctx context.Context, rec store.MessageRecord) error
}

// Router executes client frames for live sessions.
type Router struct {
	reg      *registry.Registry
	mm       *match.Matchmaker
	limiter  Limiter
	mod      *moderation.Moderator
	repo     Repository
	counters *stats.Counters
	pub      *events.Publisher
	clock    clock.Clock
}

// New wires a Router and its matchmaker. pub may be nil to disable the
// event feed.
func New(reg *registry.Registry, limiter Limiter, mod *moderation.Moderator,
	repo Repository, counters *stats.Counters, pub *events.Publisher, clk clock.Clock) *Router {

	r := &Router{
		reg:      reg,
		limiter:  limiter,
		mod:      mod,
		repo:     repo,
		counters: counters,
		pub:      pub,
		clock:    clk,
	}
	r.mm = match.New(reg, clk, r.onPaired)
	return r
}

// Matchmaker exposes the queue for the admin surface.
func (r *Router) Matchmaker() *match.Matchmaker { return r.mm }

// HandleFrame executes one raw client frame for the session. Protocol
// errors are answered with an in-band error frame; the connection stays
// open.
func (r *Router) HandleFrame(ctx context.Context, s *registry.Session, raw []byte) {
	frameType, payload, err := protocol.ParseClientFrame(raw)
	if err != nil {
		log.Printf("[router] session %s: %v", s.ID, err)
		r.sendError(s, "unrecognized frame")
		return
	}

	switch frameType {
	case protocol.TypeJoinQueue:
		r.handleJoinQueue(s)
	case protocol.TypeLeaveQueue:
		r.handleLeaveQueue(s)
	case protocol.TypeSendMessage:
		r.handleSendMessage(ctx, s, payload.(protocol.SendMessageData))
	case protocol.TypeSendMedia:
		r.handleSendMedia(ctx, s, payload.(protocol.SendMediaData))
	case protocol.TypeTyping:
		r.handleTyping(s, true)
	case protocol.TypeStopTyping:
		r.handleTyping(s, false)
	case protocol.TypeDisconnectChat:
		r.handleDisconnectChat(ctx, s)
	case protocol.TypePing:
		r.send(s, protocol.TypePong, nil)
	}
}

// Disconnect tears a session down after its transport closed: a paired
// partner is notified and released, a queued entry is removed, and the
// session leaves the registry. Idempotent.
func (r *Router) Disconnect(ctx context.Context, s *registry.Session) {
	if r.mm.Remove(s.ID) {
		metrics.QueueSize.Set(float64(r.mm.Size()))
	}

	// The state is re-read after leaving the queue: a waiting session can be
	// paired by another session's Match at any moment, and once Remove has
	// returned no new pairing can involve s. The partner must be released
	// before s leaves the registry.
	if s.State() == registry.StatePaired {
		r.breakPair(ctx, s, true)
	}

	if !r.reg.Unregister(s.ID) {
		return
	}

	metrics.Connections.Set(float64(r.reg.Count()))
	if r.pub != nil {
		r.pub.SessionEnded(events.SessionEvent{
			SessionID: s.ID,
			Source:    s.Source,
			Ts:        r.clock.Now().UnixMilli(),
		})
	}
	log.Printf("[router] session %s disconnected", s.ID)

	// A freed partner may now pair with someone still waiting.
	r.mm.Match()
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

func (r *Router) handleJoinQueue(s *registry.Session) {
	if err := r.reg.SetWaiting(s.ID); err != nil {
		r.sendError(s, "already in queue or in a chat")
		return
	}
	if err := r.mm.Enqueue(s); err != nil {
		// Enqueue can only fail on a duplicate; the state flip above makes
		// that unreachable, but keep the state machine consistent.
		r.reg.SetIdle(s.ID)
		r.sendError(s, "already in queue")
		return
	}

	r.send(s, protocol.TypeQueueJoined, nil)
	metrics.QueueSize.Set(float64(r.mm.Size()))
	r.mm.Match()
	metrics.QueueSize.Set(float64(r.mm.Size()))
}

func (r *Router) handleLeaveQueue(s *registry.Session) {
	if err := r.reg.SetIdle(s.ID); err != nil {
		r.sendError(s, "not in queue")
		return
	}
	r.mm.Remove(s.ID)
	metrics.QueueSize.Set(float64(r.mm.Size()))
}

// onPaired runs inside the matchmaker lock after each successful pairing.
func (r *Router) onPaired(a, b *registry.Session, room *registry.Room, waitA, waitB time.Duration) {
	frame := protocol.MustServerFrame(protocol.TypePartnerFound, protocol.PartnerFoundData{RoomID: room.ID})
	r.deliver(a.ID, frame)
	r.deliver(b.ID, frame)

	metrics.QueueWait.Observe(waitA.Seconds())
	metrics.QueueWait.Observe(waitB.Seconds())
	metrics.ActiveRooms.Set(float64(r.reg.RoomCount()))
	r.counters.ObserveRooms(r.reg.RoomCount())
	r.counters.RecordSource(a.Source)
	r.counters.RecordSource(b.Source)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.CreateSession(ctx, store.SessionRecord{
		RoomID:    room.ID,
		IPA:       a.Source,
		IPB:       b.Source,
		StartedAt: room.StartedAt.Unix(),
		IsActive:  true,
	}); err != nil {
		log.Printf("[router] record session for room %s: %v", room.ID, err)
	}

	if r.pub != nil {
		r.pub.RoomCreated(events.RoomEvent{
			RoomID: room.ID,
			IPA:    a.Source,
			IPB:    b.Source,
			Ts:     room.StartedAt.UnixMilli(),
		})
	}
	log.Printf("[router] paired %s and %s in room %s", a.ID, b.ID, room.ID)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (r *Router) handleSendMessage(ctx context.Context, s *registry.Session, data protocol.SendMessageData) {
	partnerID := s.PartnerID()
	if s.State() != registry.StatePaired || partnerID == "" {
		r.sendError(s, "not connected to a partner")
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return
	}

	if !r.limiter.Check(ctx, s.Source, ratelimit.RuleMessage) {
		r.send(s, protocol.TypeRateLimited, protocol.TextData{
			Message: "slow down: message limit reached, try again shortly",
		})
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	// Sanitize clamps to the maximum length, so only emptiness is left to
	// reject here.
	content := moderation.Sanitize(data.Content)
	if content == "" {
		r.sendError(s, "invalid message")
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return
	}

	now := r.clock.Now()
	msg := protocol.Message{
		ID:        uuid.New().String(),
		Content:   content,
		SenderID:  s.ID,
		Timestamp: now.UnixMilli(),
		Type:      protocol.MessageKindUser,
	}

	if r.mod.IsSpam(content) {
		r.flagMessage(ctx, s, msg, "spam", "spam", "flagged_spam")
		return
	}

	switch res := r.mod.Check(content); res.Severity {
	case moderation.SeverityBlocked:
		r.flagMessage(ctx, s, msg, res.Reason, "profanity", "flagged_profanity")
		return
	case moderation.SeverityWarning:
		msg.Content = r.mod.Mask(content)
	}

	r.deliver(partnerID, protocol.MustServerFrame(protocol.TypeMessageReceived, protocol.MessageData{Message: msg}))
	r.reg.TouchRoom(s.RoomID(), now)
	// Budget is charged only for messages actually relayed; a withheld
	// message costs nothing.
	r.limiter.Increment(ctx, s.Source, ratelimit.RuleMessage)
	r.counters.RecordMessage()
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	r.appendMessage(ctx, store.MessageRecord{
		RoomID:   s.RoomID(),
		SenderIP: s.Source,
		Content:  msg.Content,
		SentAt:   now.Unix(),
	})
}

// flagMessage withholds a message, echoes the notice to its sender, and
// records the flag. reason is the fine-grained category shown to the sender
// and the event feed; storeReason is the coarse value written to the log
// ("spam" or "profanity").
func (r *Router) flagMessage(ctx context.Context, s *registry.Session, msg protocol.Message, reason, storeReason, outcome string) {
	r.send(s, protocol.TypeMessageFlagged, protocol.FlaggedData{Message: msg, Reason: reason})
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()

	// Persisted timestamps are seconds; the wire timestamp is milliseconds.
	r.appendMessage(ctx, store.MessageRecord{
		RoomID:     s.RoomID(),
		SenderIP:   s.Source,
		Content:    msg.Content,
		SentAt:     msg.Timestamp / 1000,
		Flagged:    true,
		FlagReason: storeReason,
	})
	if r.pub != nil {
		r.pub.MessageFlagged(events.FlaggedEvent{
			RoomID: s.RoomID(),
			Sender: s.Source,
			Reason: reason,
			Ts:     msg.Timestamp,
		})
	}
}

func (r *Router) handleSendMedia(ctx context.Context, s *registry.Session, data protocol.SendMediaData) {
	partnerID := s.PartnerID()
	if s.State() != registry.StatePaired || partnerID == "" {
		r.sendError(s, "not connected to a partner")
		return
	}
	if data.URL == "" || !protocol.ValidMediaKind(data.Kind) {
		r.sendError(s, "invalid media reference")
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return
	}

	now := r.clock.Now()
	msg := protocol.Message{
		ID:        uuid.New().String(),
		SenderID:  s.ID,
		Timestamp: now.UnixMilli(),
		Type:      protocol.MessageKindUser,
		MediaURL:  data.URL,
		MediaKind: data.Kind,
		FileName:  data.Name,
		FileSize:  data.Size,
	}

	r.deliver(partnerID, protocol.MustServerFrame(protocol.TypeMediaReceived, protocol.MessageData{Message: msg}))
	r.reg.TouchRoom(s.RoomID(), now)
	r.counters.RecordMessage()
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	r.appendMessage(ctx, store.MessageRecord{
		RoomID:   s.RoomID(),
		SenderIP: s.Source,
		Content:  data.URL,
		SentAt:   now.Unix(),
	})
}

// ---------------------------------------------------------------------------
// Typing and disconnect
// ---------------------------------------------------------------------------

func (r *Router) handleTyping(s *registry.Session, typing bool) {
	partnerID := s.PartnerID()
	if partnerID == "" {
		return // not an error worth reporting
	}

	if typing {
		now := r.clock.Now()
		if now.Sub(s.LastTypingSent) < TypingInterval {
			return
		}
		s.LastTypingSent = now
		r.deliver(partnerID, protocol.MustServerFrame(protocol.TypePartnerTyping, nil))
		return
	}

	s.LastTypingSent = time.Time{}
	r.deliver(partnerID, protocol.MustServerFrame(protocol.TypePartnerStoppedTyping, nil))
}

func (r *Router) handleDisconnectChat(ctx context.Context, s *registry.Session) {
	if s.State() != registry.StatePaired {
		r.sendError(s, "not connected to a partner")
		return
	}
	r.breakPair(ctx, s, true)
	// The leaver stays connected and Idle, free to rejoin the queue.
	r.mm.Match()
}

// breakPair severs s from its partner, notifies the partner, and closes the
// persisted session. No-op if the pairing is already gone.
func (r *Router) breakPair(ctx context.Context, s *registry.Session, notifyPartner bool) {
	now := r.clock.Now()
	partnerID, room, ok := r.reg.BreakPair(s.ID, now)
	if !ok {
		return
	}

	if notifyPartner {
		r.deliver(partnerID, protocol.MustServerFrame(protocol.TypePartnerDisconnected, nil))
	}
	metrics.ActiveRooms.Set(float64(r.reg.RoomCount()))

	if err := r.repo.CloseSession(ctx, room.ID, now.Unix(), room.MessageCount); err != nil {
		log.Printf("[router] close session for room %s: %v", room.ID, err)
	}
	if r.pub != nil {
		r.pub.RoomClosed(events.RoomEvent{
			RoomID:       room.ID,
			IPA:          room.SourceA,
			IPB:          room.SourceB,
			MessageCount: room.MessageCount,
			Ts:           now.UnixMilli(),
		})
	}
	log.Printf("[router] room %s closed after %d messages", room.ID, room.MessageCount)
}

// ---------------------------------------------------------------------------
// Delivery helpers
// ---------------------------------------------------------------------------

func (r *Router) send(s *registry.Session, frameType string, payload interface{}) {
	r.deliver(s.ID, protocol.MustServerFrame(frameType, payload))
}

func (r *Router) sendError(s *registry.Session, msg string) {
	r.send(s, protocol.TypeError, protocol.TextData{Message: msg})
}

func (r *Router) deliver(sessionID string, frame []byte) {
	if err := r.reg.Send(sessionID, frame); err != nil {
		// An overflowing outbound queue means the peer cannot drain its
		// writer; the session is unhealthy and gets torn down. Deferred to a
		// fresh goroutine because delivery can run under the matchmaker lock.
		log.Printf("[router] session %s outbound queue full, disconnecting", sessionID)
		if s := r.reg.Get(sessionID); s != nil {
			go r.Disconnect(context.Background(), s)
		}
	}
}

func (r *Router) appendMessage(ctx context.Context, rec store.MessageRecord) {
	if err := r.repo.AppendMessage(ctx, rec); err != nil {
		log.Printf("[router] append message for room %s: %v", rec.RoomID, err)
	}
}
