package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore implements the persistence contract over database/sql.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle. The schema must already be
// migrated (see Migrate).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the underlying handle for lifecycle management.
func (s *SQLStore) DB() *sql.DB { return s.db }

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// IsBanned reports whether the source address has an active ban.
func (s *SQLStore) IsBanned(ctx context.Context, ip string) (bool, error) {
	const query = `SELECT COUNT(*) FROM banned_ips WHERE ip = $1`

	var n int
	if err := s.db.QueryRowContext(ctx, query, ip).Scan(&n); err != nil {
		return false, fmt.Errorf("store: ban lookup for %s: %w", ip, err)
	}
	return n > 0, nil
}

// CreateBan inserts a ban record. Returns ErrConflict if the address is
// already banned.
func (s *SQLStore) CreateBan(ctx context.Context, ip, reason, bannedBy string, bannedAt int64) (Ban, error) {
	banned, err := s.IsBanned(ctx, ip)
	if err != nil {
		return Ban{}, err
	}
	if banned {
		return Ban{}, ErrConflict
	}

	const query = `
		INSERT INTO banned_ips (ip, reason, banned_at, banned_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	b := Ban{IP: ip, Reason: reason, BannedAt: bannedAt, BannedBy: bannedBy}
	if err := s.db.QueryRowContext(ctx, query, ip, reason, bannedAt, bannedBy).Scan(&b.ID); err != nil {
		return Ban{}, fmt.Errorf("store: insert ban for %s: %w", ip, err)
	}
	return b, nil
}

// DeleteBan removes a ban by id. Returns ErrNotFound if no row matched.
func (s *SQLStore) DeleteBan(ctx context.Context, id int64) error {
	const query = `DELETE FROM banned_ips WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: delete ban %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete ban %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBanByIP removes the ban for a source address, if any. Used when an
// appeal is approved; deleting a missing ban is not an error there.
func (s *SQLStore) DeleteBanByIP(ctx context.Context, ip string) error {
	const query = `DELETE FROM banned_ips WHERE ip = $1`

	if _, err := s.db.ExecContext(ctx, query, ip); err != nil {
		return fmt.Errorf("store: delete ban for %s: %w", ip, err)
	}
	return nil
}

// ListBans returns all ban records, newest first.
func (s *SQLStore) ListBans(ctx context.Context) ([]Ban, error) {
	const query = `
		SELECT id, ip, reason, banned_at, banned_by
		FROM banned_ips
		ORDER BY banned_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list bans: %w", err)
	}
	defer rows.Close()

	bans := []Ban{}
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.ID, &b.IP, &b.Reason, &b.BannedAt, &b.BannedBy); err != nil {
			return nil, fmt.Errorf("store: scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list bans: %w", err)
	}
	return bans, nil
}

// CountBans returns the number of active ban records.
func (s *SQLStore) CountBans(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM banned_ips`

	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count bans: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Appeals
// ---------------------------------------------------------------------------

// CreateAppeal files a pending appeal for a banned source. Returns
// ErrConflict if the source already has a pending appeal.
func (s *SQLStore) CreateAppeal(ctx context.Context, ip, email, reason string, submittedAt int64) (Appeal, error) {
	const existsQuery = `
		SELECT COUNT(*) FROM ban_appeals WHERE ip = $1 AND status = $2`

	var n int
	if err := s.db.QueryRowContext(ctx, existsQuery, ip, AppealPending).Scan(&n); err != nil {
		return Appeal{}, fmt.Errorf("store: pending appeal lookup for %s: %w", ip, err)
	}
	if n > 0 {
		return Appeal{}, ErrConflict
	}

	const query = `
		INSERT INTO ban_appeals (ip, email, reason, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	a := Appeal{IP: ip, Email: email, Reason: reason, Status: AppealPending, SubmittedAt: submittedAt}
	if err := s.db.QueryRowContext(ctx, query, ip, email, reason, AppealPending, submittedAt).Scan(&a.ID); err != nil {
		return Appeal{}, fmt.Errorf("store: insert appeal for %s: %w", ip, err)
	}
	return a, nil
}

// GetAppeal returns one appeal by id, or ErrNotFound.
func (s *SQLStore) GetAppeal(ctx context.Context, id int64) (Appeal, error) {
	const query = `
		SELECT id, ip, email, reason, status, submitted_at,
		       COALESCE(reviewed_at, 0), COALESCE(reviewer, ''), COALESCE(notes, '')
		FROM ban_appeals WHERE id = $1`

	var a Appeal
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.IP, &a.Email, &a.Reason, &a.Status,
		&a.SubmittedAt, &a.ReviewedAt, &a.Reviewer, &a.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Appeal{}, ErrNotFound
	}
	if err != nil {
		return Appeal{}, fmt.Errorf("store: get appeal %d: %w", id, err)
	}
	return a, nil
}

// ListAppeals returns appeals, optionally filtered by status, newest first.
func (s *SQLStore) ListAppeals(ctx context.Context, status string) ([]Appeal, error) {
	query := `
		SELECT id, ip, email, reason, status, submitted_at,
		       COALESCE(reviewed_at, 0), COALESCE(reviewer, ''), COALESCE(notes, '')
		FROM ban_appeals`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY submitted_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list appeals: %w", err)
	}
	defer rows.Close()

	appeals := []Appeal{}
	for rows.Next() {
		var a Appeal
		if err := rows.Scan(&a.ID, &a.IP, &a.Email, &a.Reason, &a.Status,
			&a.SubmittedAt, &a.ReviewedAt, &a.Reviewer, &a.Notes); err != nil {
			return nil, fmt.Errorf("store: scan appeal: %w", err)
		}
		appeals = append(appeals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list appeals: %w", err)
	}
	return appeals, nil
}

// ResolveAppeal moves a pending appeal to approved or rejected. Returns
// ErrNotFound for an unknown id and ErrConflict if the appeal is already
// resolved.
func (s *SQLStore) ResolveAppeal(ctx context.Context, id int64, status, reviewer, notes string, reviewedAt int64) (Appeal, error) {
	a, err := s.GetAppeal(ctx, id)
	if err != nil {
		return Appeal{}, err
	}
	if a.Status != AppealPending {
		return Appeal{}, ErrConflict
	}

	const query = `
		UPDATE ban_appeals
		SET status = $1, reviewer = $2, notes = $3, reviewed_at = $4
		WHERE id = $5`

	if _, err := s.db.ExecContext(ctx, query, status, reviewer, notes, reviewedAt, id); err != nil {
		return Appeal{}, fmt.Errorf("store: resolve appeal %d: %w", id, err)
	}

	a.Status = status
	a.Reviewer = reviewer
	a.Notes = notes
	a.ReviewedAt = reviewedAt
	return a, nil
}

// ---------------------------------------------------------------------------
// Session and message logs
// ---------------------------------------------------------------------------

// CreateSession records a new active room pairing.
func (s *SQLStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT INTO chat_sessions (room_id, ip_a, ip_b, started_at, ended_at, message_count, is_active)
		VALUES ($1, $2, $3, $4, 0, 0, 1)`

	if _, err := s.db.ExecContext(ctx, query, rec.RoomID, rec.IPA, rec.IPB, rec.StartedAt); err != nil {
		return fmt.Errorf("store: insert session %s: %w", rec.RoomID, err)
	}
	return nil
}

// CloseSession finalizes a room's row when the pairing ends.
func (s *SQLStore) CloseSession(ctx context.Context, roomID string, endedAt int64, messageCount int) error {
	const query = `
		UPDATE chat_sessions
		SET ended_at = $1, message_count = $2, is_active = 0
		WHERE room_id = $3`

	if _, err := s.db.ExecContext(ctx, query, endedAt, messageCount, roomID); err != nil {
		return fmt.Errorf("store: close session %s: %w", roomID, err)
	}
	return nil
}

// AppendMessage appends one row to the message log.
func (s *SQLStore) AppendMessage(ctx context.Context, rec MessageRecord) error {
	const query = `
		INSERT INTO chat_messages (room_id, sender_ip, content, sent_at, flagged, flag_reason)
		VALUES ($1, $2, $3, $4, $5, $6)`

	flagged := 0
	if rec.Flagged {
		flagged = 1
	}
	if _, err := s.db.ExecContext(ctx, query,
		rec.RoomID, rec.SenderIP, rec.Content, rec.SentAt, flagged, rec.FlagReason); err != nil {
		return fmt.Errorf("store: append message for %s: %w", rec.RoomID, err)
	}
	return nil
}

// FlaggedMessages returns flagged log rows for moderator review, newest
// first, limited to n.
func (s *SQLStore) FlaggedMessages(ctx context.Context, n int) ([]MessageRecord, error) {
	const query = `
		SELECT room_id, sender_ip, content, sent_at, flagged, COALESCE(flag_reason, '')
		FROM chat_messages
		WHERE flagged = 1
		ORDER BY sent_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("store: flagged messages: %w", err)
	}
	defer rows.Close()

	msgs := []MessageRecord{}
	for rows.Next() {
		var rec MessageRecord
		var flagged int
		if err := rows.Scan(&rec.RoomID, &rec.SenderIP, &rec.Content, &rec.SentAt, &flagged, &rec.FlagReason); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		rec.Flagged = flagged == 1
		msgs = append(msgs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: flagged messages: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Stats rollups
// ---------------------------------------------------------------------------

// UpsertDailyStats writes the day snapshot, replacing any existing row for
// the date.
func (s *SQLStore) UpsertDailyStats(ctx context.Context, d DailyStats) error {
	const query = `
		INSERT INTO daily_stats (date, message_count, peak_concurrent_rooms, unique_ips)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (date) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			peak_concurrent_rooms = EXCLUDED.peak_concurrent_rooms,
			unique_ips = EXCLUDED.unique_ips`

	if _, err := s.db.ExecContext(ctx, query,
		d.Date, d.MessageCount, d.PeakConcurrentRooms, d.UniqueIPs); err != nil {
		return fmt.Errorf("store: upsert daily stats %s: %w", d.Date, err)
	}
	return nil
}

// InsertHourlyStats appends one hour's message delta.
func (s *SQLStore) InsertHourlyStats(ctx context.Context, date string, hour int, messageCount int64) error {
	const query = `
		INSERT INTO hourly_stats (date, hour, message_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (date, hour) DO UPDATE SET
			message_count = EXCLUDED.message_count`

	if _, err := s.db.ExecContext(ctx, query, date, hour, messageCount); err != nil {
		return fmt.Errorf("store: insert hourly stats %s/%d: %w", date, hour, err)
	}
	return nil
}

// GetDailyStats returns the snapshot for a date, or ErrNotFound.
func (s *SQLStore) GetDailyStats(ctx context.Context, date string) (DailyStats, error) {
	const query = `
		SELECT date, message_count, peak_concurrent_rooms, unique_ips
		FROM daily_stats WHERE date = $1`

	var d DailyStats
	err := s.db.QueryRowContext(ctx, query, date).Scan(
		&d.Date, &d.MessageCount, &d.PeakConcurrentRooms, &d.UniqueIPs)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyStats{}, ErrNotFound
	}
	if err != nil {
		return DailyStats{}, fmt.Errorf("store: daily stats %s: %w", date, err)
	}
	return d, nil
}
