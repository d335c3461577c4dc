// Package ws is the WebSocket transport: it upgrades HTTP connections,
// runs the admission checks (connection cap, ban gate, connection rate
// limit), and gives every admitted session a reader and a writer goroutine.
// The reader feeds raw frames to the router; the writer drains the
// session's outbound queue. Frame semantics live in the router, not here.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/murmur/chat-app/internal/ban"
	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/metrics"
	"github.com/murmur/chat-app/internal/protocol"
	"github.com/murmur/chat-app/internal/ratelimit"
	"github.com/murmur/chat-app/internal/registry"
	"github.com/murmur/chat-app/internal/router"
	"github.com/murmur/chat-app/internal/source"
)

// Config holds the transport's tunable parameters.
type Config struct {
	MaxConnections int           // hard cap on concurrent sessions
	ReadTimeout    time.Duration // max silence before a read is abandoned
	WriteTimeout   time.Duration // timeout for a single frame write
	PingInterval   time.Duration // protocol-level ping cadence
	IdleRoomAfter  time.Duration // rooms with no traffic this long are swept
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		IdleRoomAfter:  30 * time.Minute,
	}
}

// conn pairs a registered session with its network connection.
type conn struct {
	sess    *registry.Session
	netConn net.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *conn) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// writeFrame sends one text frame under the write mutex and deadline.
func (c *conn) writeFrame(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.netConn, ws.OpText, data)
}

func (c *conn) writePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.netConn, ws.NewPingFrame(nil))
}

// Gateway owns the live connections and their goroutines.
type Gateway struct {
	cfg     Config
	reg     *registry.Registry
	rtr     *router.Router
	gate    *ban.Gate
	limiter *ratelimit.Limiter
	clock   clock.Clock

	mu        sync.Mutex
	conns     map[string]*conn // session id -> conn
	startedAt time.Time
}

// NewGateway wires the transport over its collaborators.
func NewGateway(cfg Config, reg *registry.Registry, rtr *router.Router, gate *ban.Gate,
	limiter *ratelimit.Limiter, clk clock.Clock) *Gateway {
	return &Gateway{
		cfg:       cfg,
		reg:       reg,
		rtr:       rtr,
		gate:      gate,
		limiter:   limiter,
		clock:     clk,
		conns:     make(map[string]*conn),
		startedAt: clk.Now(),
	}
}

// HandleUpgrade is the /ws endpoint.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if g.count() >= g.cfg.MaxConnections {
		metrics.AdmissionsTotal.WithLabelValues("error").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	src := source.FromRequest(r)

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade from %s failed: %v", src, err)
		return
	}

	// Admission happens after the upgrade so the verdict reaches the client
	// as a frame instead of an opaque HTTP error.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	banned, err := g.gate.IsBanned(ctx, src)
	cancel()
	if err != nil {
		// Fail closed: an unverifiable source is not admitted.
		log.Printf("[ws] ban check for %s failed: %v", src, err)
		metrics.AdmissionsTotal.WithLabelValues("error").Inc()
		g.refuse(netConn, protocol.TypeError, "service unavailable")
		return
	}
	if banned {
		metrics.AdmissionsTotal.WithLabelValues("banned").Inc()
		g.refuse(netConn, protocol.TypeBanned, "this address is banned")
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	allowed := g.limiter.Check(ctx, src, ratelimit.RuleConnection)
	if allowed {
		g.limiter.Increment(ctx, src, ratelimit.RuleConnection)
	}
	cancel()
	if !allowed {
		metrics.AdmissionsTotal.WithLabelValues("rate_limited").Inc()
		g.refuse(netConn, protocol.TypeRateLimited, "too many connections from this address")
		return
	}

	sess := g.reg.Register(src, g.clock.Now())
	c := &conn{sess: sess, netConn: netConn, lastActivity: g.clock.Now()}

	g.mu.Lock()
	g.conns[sess.ID] = c
	g.mu.Unlock()

	metrics.AdmissionsTotal.WithLabelValues("accepted").Inc()
	metrics.Connections.Set(float64(g.reg.Count()))
	log.Printf("[ws] session %s connected from %s (total=%d)", sess.ID, src, g.reg.Count())

	go g.writeLoop(c)
	go g.readLoop(c)
}

// refuse delivers one frame on a connection that was never admitted, then
// closes it.
func (g *Gateway) refuse(netConn net.Conn, frameType, msg string) {
	frame := protocol.MustServerFrame(frameType, protocol.TextData{Message: msg})
	if g.cfg.WriteTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	}
	_ = wsutil.WriteServerMessage(netConn, ws.OpText, frame)
	_ = netConn.Close()
}

// readLoop blocks on the connection, feeding data frames to the router,
// until the peer goes away or a read times out.
func (g *Gateway) readLoop(c *conn) {
	defer g.teardown(c)

	for {
		if g.cfg.ReadTimeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.netConn, ws.StateServerSide)
		if err != nil {
			if err != io.EOF {
				log.Printf("[ws] session %s read: %v", c.sess.ID, err)
			}
			return
		}

		c.touch(g.clock.Now())

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			// wsutil answered ping/pong already.
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		g.rtr.HandleFrame(context.Background(), c.sess, data)
	}
}

// writeLoop drains the session's outbound queue. It ends when the registry
// closes the queue on unregister; a failed write closes the connection so
// the read loop unwinds the session.
func (g *Gateway) writeLoop(c *conn) {
	for frame := range c.sess.Out() {
		if err := c.writeFrame(frame, g.cfg.WriteTimeout); err != nil {
			log.Printf("[ws] session %s write: %v", c.sess.ID, err)
			_ = c.netConn.Close()
			// Keep draining so the registry can close the channel.
		}
	}
	_ = c.netConn.Close()
}

// teardown runs once per connection, from the read loop's exit path.
func (g *Gateway) teardown(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.sess.ID)
	g.mu.Unlock()

	g.rtr.Disconnect(context.Background(), c.sess)
	_ = c.netConn.Close()
}

// CloseSession force-closes one session's connection; the read loop then
// tears the session down. Used by the heartbeat and the idle-room sweep.
func (g *Gateway) CloseSession(sessionID string) {
	g.mu.Lock()
	c, ok := g.conns[sessionID]
	g.mu.Unlock()
	if ok {
		_ = c.netConn.Close()
	}
}

func (g *Gateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// snapshot returns the live conns without holding the lock during I/O.
func (g *Gateway) snapshot() []*conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}

// Run drives the heartbeat and idle-room sweep until ctx is cancelled, then
// closes every connection.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, c := range g.snapshot() {
				_ = c.netConn.Close()
			}
			return
		case <-ticker.C:
			g.heartbeat()
			g.sweepIdleRooms()
		}
	}
}

// heartbeat pings every connection and evicts the ones that have been
// silent past the read timeout.
func (g *Gateway) heartbeat() {
	now := g.clock.Now()
	for _, c := range g.snapshot() {
		if g.cfg.ReadTimeout > 0 && c.idleSince(now) > g.cfg.ReadTimeout {
			log.Printf("[ws] session %s heartbeat timeout (%s idle)",
				c.sess.ID, c.idleSince(now).Round(time.Second))
			_ = c.netConn.Close()
			continue
		}
		if err := c.writePing(g.cfg.WriteTimeout); err != nil {
			log.Printf("[ws] session %s ping: %v", c.sess.ID, err)
			_ = c.netConn.Close()
		}
	}
}

// sweepIdleRooms disconnects both sides of rooms that have carried no
// traffic for the configured window.
func (g *Gateway) sweepIdleRooms() {
	if g.cfg.IdleRoomAfter <= 0 {
		return
	}
	now := g.clock.Now()
	for _, room := range g.reg.SnapshotRooms() {
		last := room.LastActivity
		if last.IsZero() {
			last = room.StartedAt
		}
		if now.Sub(last) > g.cfg.IdleRoomAfter {
			log.Printf("[ws] sweeping idle room %s (idle %s)", room.ID, now.Sub(last).Round(time.Second))
			g.CloseSession(room.SessionA)
			g.CloseSession(room.SessionB)
		}
	}
}

// HandleHealth is the /health endpoint.
func (g *Gateway) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		ActiveRooms int    `json:"activeRooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: g.reg.Count(),
		ActiveRooms: g.reg.RoomCount(),
		Uptime:      g.clock.Now().Sub(g.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}
