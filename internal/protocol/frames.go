// Package protocol defines the WebSocket frame vocabulary exchanged between
// client and server. Every frame is JSON with a "type" discriminator and a
// "data" payload object; the payload is decoded lazily into the concrete
// struct for the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeJoinQueue      = "join_queue"
	TypeLeaveQueue     = "leave_queue"
	TypeSendMessage    = "send_message"
	TypeSendMedia      = "send_media"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypeDisconnectChat = "disconnect_chat"
	TypePing           = "ping"
)

// Server -> Client frame types.
const (
	TypeQueueJoined          = "queue_joined"
	TypePartnerFound         = "partner_found"
	TypeMessageReceived      = "message_received"
	TypeMediaReceived        = "media_received"
	TypePartnerTyping        = "partner_typing"
	TypePartnerStoppedTyping = "partner_stopped_typing"
	TypePartnerDisconnected  = "partner_disconnected"
	TypeBanned               = "banned"
	TypeError                = "error"
	TypeRateLimited          = "rate_limited"
	TypeMessageFlagged       = "message_flagged"
	TypePong                 = "pong"
)

// Message kinds carried in the Message.Type field.
const (
	MessageKindUser   = "user"
	MessageKindSystem = "system"
)

// Media kinds accepted in send_media frames.
const (
	MediaKindImage = "image"
	MediaKindVideo = "video"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame shape. Data is kept raw so the payload can be
// decoded into the concrete struct once the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// SendMessageData carries the text of a send_message frame.
type SendMessageData struct {
	Content string `json:"content"`
}

// SendMediaData carries a media reference produced by the upload endpoint.
type SendMediaData struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// Message is the chat message shape relayed to partners and echoed in
// flagged notices. Timestamp is milliseconds since epoch.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
}

// PartnerFoundData announces a pairing and its room.
type PartnerFoundData struct {
	RoomID string `json:"roomId"`
}

// MessageData wraps a Message for message_received, media_received, and
// message_flagged frames.
type MessageData struct {
	Message Message `json:"message"`
}

// TextData carries the human-readable string for error and rate_limited
// frames.
type TextData struct {
	Message string `json:"message"`
}

// FlaggedData echoes a withheld message back to its sender along with the
// moderation category that blocked it.
type FlaggedData struct {
	Message Message `json:"message"`
	Reason  string  `json:"reason"`
}

// ---------------------------------------------------------------------------
// Parsing and building
// ---------------------------------------------------------------------------

// ParseClientFrame decodes raw bytes into the frame type and its concrete
// payload struct. Frame types without a payload return a nil payload. An
// error is returned for malformed JSON, a missing type, or a type the server
// does not accept from clients.
func ParseClientFrame(raw []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing frame type")
	}

	switch env.Type {
	case TypeJoinQueue, TypeLeaveQueue, TypeTyping, TypeStopTyping,
		TypeDisconnectChat, TypePing:
		return env.Type, nil, nil

	case TypeSendMessage:
		var d SendMessageData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return env.Type, nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
			}
		}
		return env.Type, d, nil

	case TypeSendMedia:
		var d SendMediaData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return env.Type, nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
			}
		}
		return env.Type, d, nil

	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type %q", env.Type)
	}
}

// NewServerFrame builds the JSON bytes for a server frame. A nil payload
// produces an empty data object so clients always see a "data" key.
func NewServerFrame(frameType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", frameType, err)
	}
	out, err := json.Marshal(Envelope{Type: frameType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", frameType, err)
	}
	return out, nil
}

// MustServerFrame is NewServerFrame for payloads that cannot fail to
// marshal (the fixed structs above). It panics on error and exists to keep
// hot-path call sites free of error plumbing.
func MustServerFrame(frameType string, payload interface{}) []byte {
	out, err := NewServerFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return out
}

// ValidMediaKind reports whether kind is an accepted send_media kind.
func ValidMediaKind(kind string) bool {
	return kind == MediaKindImage || kind == MediaKindVideo
}
