// Package store is the persistence layer: banned sources, the session and
// message logs, ban appeals, and stats rollups. All operations are point
// reads or writes; the realtime plane never needs a multi-row transaction.
//
// The implementation runs on database/sql with either the lib/pq driver
// (production Postgres) or the modernc.org/sqlite driver (embedded mode and
// tests). Queries use $N placeholders, which both drivers accept.
package store

import "errors"

// Sentinel errors mapped to HTTP statuses by the admin surface.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Appeal status values.
const (
	AppealPending  = "pending"
	AppealApproved = "approved"
	AppealRejected = "rejected"
)

// Ban is a row of banned_ips. One active ban per source address.
type Ban struct {
	ID       int64  `json:"id"`
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	BannedAt int64  `json:"bannedAt"`
	BannedBy string `json:"bannedBy"`
}

// Appeal is a row of ban_appeals. At most one pending appeal per source.
type Appeal struct {
	ID          int64  `json:"id"`
	IP          string `json:"ip"`
	Email       string `json:"email"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	SubmittedAt int64  `json:"submittedAt"`
	ReviewedAt  int64  `json:"reviewedAt,omitempty"`
	Reviewer    string `json:"reviewer,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// SessionRecord is a row of chat_sessions: one pairing (room) and its
// lifetime. Rows are created active and closed when the room is destroyed.
type SessionRecord struct {
	ID           int64  `json:"id"`
	RoomID       string `json:"roomId"`
	IPA          string `json:"ipA"`
	IPB          string `json:"ipB"`
	StartedAt    int64  `json:"startedAt"`
	EndedAt      int64  `json:"endedAt,omitempty"`
	MessageCount int    `json:"messageCount"`
	IsActive     bool   `json:"isActive"`
}

// MessageRecord is a row of chat_messages. Append-only; flagged rows were
// never relayed to the partner.
type MessageRecord struct {
	RoomID     string
	SenderIP   string
	Content    string
	SentAt     int64
	Flagged    bool
	FlagReason string
}

// DailyStats is a row of daily_stats, keyed by local date (YYYY-MM-DD).
type DailyStats struct {
	Date                string `json:"date"`
	MessageCount        int64  `json:"messageCount"`
	PeakConcurrentRooms int    `json:"peakConcurrentRooms"`
	UniqueIPs           int    `json:"uniqueIps"`
}
