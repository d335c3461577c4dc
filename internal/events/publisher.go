// Package events publishes the analytics event feed over NATS. The realtime
// plane emits room lifecycle, flagged-message, and session-end events;
// off-process consumers build rollups from them. The feed is fire-and-forget
// and entirely optional: a nil Publisher drops everything.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for the event feed.
const (
	SubjectRoomCreated    = "murmur.events.room_created"
	SubjectRoomClosed     = "murmur.events.room_closed"
	SubjectMessageFlagged = "murmur.events.message_flagged"
	SubjectSessionEnded   = "murmur.events.session_ended"
)

// RoomEvent describes a room being created or closed.
type RoomEvent struct {
	RoomID       string `json:"room_id"`
	IPA          string `json:"ip_a"`
	IPB          string `json:"ip_b"`
	MessageCount int    `json:"message_count,omitempty"`
	Ts           int64  `json:"ts"`
}

// FlaggedEvent describes a message withheld by moderation.
type FlaggedEvent struct {
	RoomID string `json:"room_id"`
	Sender string `json:"sender"`
	Reason string `json:"reason"`
	Ts     int64  `json:"ts"`
}

// SessionEvent describes a session leaving the registry.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Ts        int64  `json:"ts"`
}

// Publisher wraps a NATS connection for the event feed.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials NATS and returns a ready Publisher.
func Connect(url, name string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[events] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Printf("[events] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// Close drains the connection. Safe on nil.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

// publish marshals and sends one event. Failures are logged and dropped;
// the feed never blocks or fails the realtime plane.
func (p *Publisher) publish(subject string, event interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[events] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[events] publish %s: %v", subject, err)
	}
}

// RoomCreated emits a room_created event.
func (p *Publisher) RoomCreated(e RoomEvent) { p.publish(SubjectRoomCreated, e) }

// RoomClosed emits a room_closed event.
func (p *Publisher) RoomClosed(e RoomEvent) { p.publish(SubjectRoomClosed, e) }

// MessageFlagged emits a message_flagged event.
func (p *Publisher) MessageFlagged(e FlaggedEvent) { p.publish(SubjectMessageFlagged, e) }

// SessionEnded emits a session_ended event.
func (p *Publisher) SessionEnded(e SessionEvent) { p.publish(SubjectSessionEnded, e) }
