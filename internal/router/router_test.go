package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/moderation"
	"github.com/murmur/chat-app/internal/protocol"
	"github.com/murmur/chat-app/internal/ratelimit"
	"github.com/murmur/chat-app/internal/registry"
	"github.com/murmur/chat-app/internal/stats"
	"github.com/murmur/chat-app/internal/store"
)

type fakeLimiter struct {
	allow      bool
	increments int
}

func (f *fakeLimiter) Check(context.Context, string, ratelimit.Rule) bool { return f.allow }
func (f *fakeLimiter) Increment(context.Context, string, ratelimit.Rule)  { f.increments++ }

type fakeRepo struct {
	sessions []store.SessionRecord
	closed   []string
	messages []store.MessageRecord
}

func (f *fakeRepo) CreateSession(_ context.Context, rec store.SessionRecord) error {
	f.sessions = append(f.sessions, rec)
	return nil
}

func (f *fakeRepo) CloseSession(_ context.Context, roomID string, _ int64, _ int) error {
	f.closed = append(f.closed, roomID)
	return nil
}

func (f *fakeRepo) AppendMessage(_ context.Context, rec store.MessageRecord) error {
	f.messages = append(f.messages, rec)
	return nil
}

func (f *fakeRepo) UpsertDailyStats(context.Context, store.DailyStats) error    { return nil }
func (f *fakeRepo) InsertHourlyStats(context.Context, string, int, int64) error { return nil }

func setupRouter(t *testing.T) (*Router, *registry.Registry, *fakeRepo, *fakeLimiter, *clock.Fake) {
	t.Helper()
	reg := registry.New()
	repo := &fakeRepo{}
	limiter := &fakeLimiter{allow: true}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := New(reg, limiter, moderation.NewModerator(), repo, stats.New(repo, clk), nil, clk)
	return r, reg, repo, limiter, clk
}

// nextFrame pops and decodes one queued outbound frame, failing the test if
// none is pending.
func nextFrame(t *testing.T, s *registry.Session) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-s.Out():
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	default:
		t.Fatal("no frame queued")
		return protocol.Envelope{}
	}
}

func expectFrame(t *testing.T, s *registry.Session, frameType string) protocol.Envelope {
	t.Helper()
	env := nextFrame(t, s)
	if env.Type != frameType {
		t.Fatalf("frame type = %q, want %q", env.Type, frameType)
	}
	return env
}

func expectNoFrame(t *testing.T, s *registry.Session) {
	t.Helper()
	select {
	case raw := <-s.Out():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func frame(t *testing.T, frameType string, payload interface{}) []byte {
	t.Helper()
	raw, err := protocol.NewServerFrame(frameType, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return raw
}

// pairTwo connects two sessions and drains their join/pairing frames.
func pairTwo(t *testing.T, r *Router, reg *registry.Registry) (*registry.Session, *registry.Session) {
	t.Helper()
	ctx := context.Background()
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))
	b := reg.Register("2.2.2.2", time.Unix(1_700_000_000, 0))

	r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, a, protocol.TypeQueueJoined)

	r.HandleFrame(ctx, b, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, b, protocol.TypeQueueJoined)

	expectFrame(t, a, protocol.TypePartnerFound)
	expectFrame(t, b, protocol.TypePartnerFound)

	if a.State() != registry.StatePaired || b.State() != registry.StatePaired {
		t.Fatal("both sessions should be paired")
	}
	return a, b
}

func TestJoinQueue_PairsAndAnnounces(t *testing.T) {
	r, reg, repo, _, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	if a.PartnerID() != b.ID || b.PartnerID() != a.ID {
		t.Error("partner links should be symmetric")
	}
	if len(repo.sessions) != 1 {
		t.Fatalf("persisted sessions = %d, want 1", len(repo.sessions))
	}
	rec := repo.sessions[0]
	if rec.RoomID != a.RoomID() || rec.IPA != "1.1.1.1" || rec.IPB != "2.2.2.2" || !rec.IsActive {
		t.Errorf("session record = %+v", rec)
	}
}

func TestJoinQueue_WhileWaitingIsAnError(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	ctx := context.Background()
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))

	r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, a, protocol.TypeQueueJoined)

	r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, a, protocol.TypeError)

	if a.State() != registry.StateWaiting {
		t.Errorf("state = %v, want still Waiting", a.State())
	}
}

func TestLeaveQueue(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	ctx := context.Background()
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))

	r.HandleFrame(ctx, a, frame(t, protocol.TypeLeaveQueue, nil))
	expectFrame(t, a, protocol.TypeError)

	r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, a, protocol.TypeQueueJoined)
	r.HandleFrame(ctx, a, frame(t, protocol.TypeLeaveQueue, nil))

	if a.State() != registry.StateIdle {
		t.Errorf("state = %v, want Idle", a.State())
	}
	if r.Matchmaker().Size() != 0 {
		t.Error("queue entry should be removed")
	}
}

func TestSendMessage_RelaysSanitized(t *testing.T) {
	r, reg, repo, limiter, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "  hello <b>there</b>  "}))

	env := expectFrame(t, b, protocol.TypeMessageReceived)
	var data protocol.MessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Message.Content != "hello &lt;b&gt;there&lt;/b&gt;" {
		t.Errorf("content = %q, want escaped markup", data.Message.Content)
	}
	if data.Message.SenderID != a.ID || data.Message.Type != protocol.MessageKindUser {
		t.Errorf("message = %+v", data.Message)
	}
	if data.Message.ID == "" || data.Message.Timestamp == 0 {
		t.Error("message should get a fresh id and timestamp")
	}

	expectNoFrame(t, a) // no echo to the sender

	if limiter.increments != 1 {
		t.Errorf("limiter increments = %d, want 1", limiter.increments)
	}
	if len(repo.messages) != 1 || repo.messages[0].Flagged {
		t.Errorf("persisted messages = %+v", repo.messages)
	}
	// The wire timestamp is milliseconds; the stored one is seconds.
	if repo.messages[0].SentAt != data.Message.Timestamp/1000 {
		t.Errorf("stored sentAt = %d, want %d", repo.messages[0].SentAt, data.Message.Timestamp/1000)
	}
}

func TestSendMessage_WithoutPartner(t *testing.T) {
	r, reg, _, limiter, _ := setupRouter(t)
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "hello"}))

	expectFrame(t, a, protocol.TypeError)
	if limiter.increments != 0 {
		t.Error("refused message must not consume rate budget")
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	r, reg, _, limiter, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)
	limiter.allow = false

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "hello"}))

	expectFrame(t, a, protocol.TypeRateLimited)
	expectNoFrame(t, b)
	if limiter.increments != 0 {
		t.Error("refused message must not consume rate budget")
	}
}

func TestSendMessage_EmptyAfterSanitize(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "   "}))

	expectFrame(t, a, protocol.TypeError)
	expectNoFrame(t, b)
}

func TestSendMessage_ProfanityBlocked(t *testing.T) {
	r, reg, repo, limiter, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "you fucking idiot"}))

	env := expectFrame(t, a, protocol.TypeMessageFlagged)
	var data protocol.FlaggedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Reason != "explicit_term" {
		t.Errorf("reason = %q, want explicit_term", data.Reason)
	}

	expectNoFrame(t, b) // withheld from the partner

	if len(repo.messages) != 1 || !repo.messages[0].Flagged {
		t.Fatalf("persisted messages = %+v, want one flagged row", repo.messages)
	}
	if repo.messages[0].FlagReason != "profanity" {
		t.Errorf("flag reason = %q, want profanity", repo.messages[0].FlagReason)
	}
	if limiter.increments != 0 {
		t.Error("withheld message must not consume rate budget")
	}
}

func TestSendMessage_WarningMasked(t *testing.T) {
	r, reg, _, limiter, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "you are an idiot"}))

	env := expectFrame(t, b, protocol.TypeMessageReceived)
	var data protocol.MessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Message.Content != "you are an *****" {
		t.Errorf("content = %q, want masked pejorative", data.Message.Content)
	}
	if limiter.increments != 1 {
		t.Errorf("limiter increments = %d, want 1 for a relayed message", limiter.increments)
	}
}

func TestSendMessage_SpamFlagged(t *testing.T) {
	r, reg, _, limiter, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
		protocol.SendMessageData{Content: "CLICK HERE FOR FREE CRYPTO NOW!!!"}))

	env := expectFrame(t, a, protocol.TypeMessageFlagged)
	var data protocol.FlaggedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Reason != "spam" {
		t.Errorf("reason = %q, want spam", data.Reason)
	}
	expectNoFrame(t, b)
	if limiter.increments != 0 {
		t.Error("withheld message must not consume rate budget")
	}
}

func TestDisconnect_RacesWithPairing(t *testing.T) {
	// A waiting session can be paired by another session's Match while its
	// own teardown runs. Whatever the interleaving, the survivor must never
	// be left paired with a partner that is gone.
	r, reg, _, _, _ := setupRouter(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))
		c := reg.Register("2.2.2.2", time.Unix(1_700_000_000, 0))

		r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.HandleFrame(ctx, c, frame(t, protocol.TypeJoinQueue, nil))
		}()
		r.Disconnect(ctx, a)
		<-done

		if c.State() == registry.StatePaired {
			p := reg.Get(c.PartnerID())
			if p == nil || p.PartnerID() != c.ID {
				t.Fatal("survivor is paired with a partner that is gone")
			}
		}
		r.Disconnect(ctx, c)
	}
}

func TestSendMessage_SlowPartnerDisconnected(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	// Nothing drains b's outbound queue, so enough messages overflow it and
	// force b's teardown.
	for i := 0; i <= registry.OutboundQueueSize+1; i++ {
		r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMessage,
			protocol.SendMessageData{Content: "hello again"}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Get(b.ID) != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Get(b.ID) != nil {
		t.Fatal("overflowing session should be unregistered")
	}
	if a.State() == registry.StatePaired {
		t.Error("sender should no longer be paired")
	}
}

func TestSendMedia_Relays(t *testing.T) {
	r, reg, _, limiter, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMedia,
		protocol.SendMediaData{URL: "/uploads/cat.png", Kind: "image", Name: "cat.png", Size: 1234}))

	env := expectFrame(t, b, protocol.TypeMediaReceived)
	var data protocol.MessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Message.MediaURL != "/uploads/cat.png" || data.Message.MediaKind != "image" {
		t.Errorf("media = %+v", data.Message)
	}
	if limiter.increments != 0 {
		t.Error("media frames are not message rate limited")
	}
}

func TestSendMedia_InvalidKind(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeSendMedia,
		protocol.SendMediaData{URL: "/uploads/x.bin", Kind: "archive"}))

	expectFrame(t, a, protocol.TypeError)
	expectNoFrame(t, b)
}

func TestTyping_Coalesces(t *testing.T) {
	r, reg, _, _, clk := setupRouter(t)
	a, b := pairTwo(t, r, reg)
	ctx := context.Background()

	r.HandleFrame(ctx, a, frame(t, protocol.TypeTyping, nil))
	expectFrame(t, b, protocol.TypePartnerTyping)

	// A second burst inside the interval is dropped.
	r.HandleFrame(ctx, a, frame(t, protocol.TypeTyping, nil))
	expectNoFrame(t, b)

	clk.Advance(TypingInterval)
	r.HandleFrame(ctx, a, frame(t, protocol.TypeTyping, nil))
	expectFrame(t, b, protocol.TypePartnerTyping)

	r.HandleFrame(ctx, a, frame(t, protocol.TypeStopTyping, nil))
	expectFrame(t, b, protocol.TypePartnerStoppedTyping)
}

func TestDisconnectChat(t *testing.T) {
	r, reg, repo, _, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)
	roomID := a.RoomID()

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeDisconnectChat, nil))

	expectFrame(t, b, protocol.TypePartnerDisconnected)
	if a.State() != registry.StateIdle || b.State() != registry.StateIdle {
		t.Error("both sessions should return to Idle")
	}
	if len(repo.closed) != 1 || repo.closed[0] != roomID {
		t.Errorf("closed rooms = %v, want [%s]", repo.closed, roomID)
	}

	// Leaving twice is an error, not a crash.
	r.HandleFrame(context.Background(), a, frame(t, protocol.TypeDisconnectChat, nil))
	expectFrame(t, a, protocol.TypeError)
}

func TestDisconnect_PairedPartnerNotified(t *testing.T) {
	r, reg, repo, _, _ := setupRouter(t)
	a, b := pairTwo(t, r, reg)

	r.Disconnect(context.Background(), a)

	expectFrame(t, b, protocol.TypePartnerDisconnected)
	if reg.Get(a.ID) != nil {
		t.Error("session should be unregistered")
	}
	if b.State() != registry.StateIdle {
		t.Errorf("partner state = %v, want Idle", b.State())
	}
	if len(repo.closed) != 1 {
		t.Errorf("closed rooms = %v, want one", repo.closed)
	}

	// Idempotent.
	r.Disconnect(context.Background(), a)
}

func TestDisconnect_WaitingLeavesQueue(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	ctx := context.Background()
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))

	r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, a, protocol.TypeQueueJoined)

	r.Disconnect(ctx, a)

	if r.Matchmaker().Size() != 0 {
		t.Error("queue entry should be removed on disconnect")
	}
}

func TestFIFO_WithDropout(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	a := reg.Register("1.1.1.1", t0)
	r.HandleFrame(ctx, a, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, a, protocol.TypeQueueJoined)

	// A drops out before anyone else arrives.
	r.Disconnect(ctx, a)

	b := reg.Register("2.2.2.2", t0)
	c := reg.Register("3.3.3.3", t0)
	r.HandleFrame(ctx, b, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, b, protocol.TypeQueueJoined)
	r.HandleFrame(ctx, c, frame(t, protocol.TypeJoinQueue, nil))
	expectFrame(t, c, protocol.TypeQueueJoined)

	expectFrame(t, b, protocol.TypePartnerFound)
	expectFrame(t, c, protocol.TypePartnerFound)
	if b.PartnerID() != c.ID {
		t.Error("B and C should be paired")
	}
}

func TestPingPong(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))

	r.HandleFrame(context.Background(), a, frame(t, protocol.TypePing, nil))
	expectFrame(t, a, protocol.TypePong)
}

func TestUnknownFrame_KeepsConnection(t *testing.T) {
	r, reg, _, _, _ := setupRouter(t)
	a := reg.Register("1.1.1.1", time.Unix(1_700_000_000, 0))

	r.HandleFrame(context.Background(), a, []byte(`{"type":"shenanigans"}`))
	expectFrame(t, a, protocol.TypeError)

	r.HandleFrame(context.Background(), a, []byte(`not json`))
	expectFrame(t, a, protocol.TypeError)

	if a.State() != registry.StateIdle {
		t.Error("bad frames must not change session state")
	}
}
