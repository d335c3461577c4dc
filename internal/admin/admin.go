// Package admin serves the moderation and operations HTTP API: live stats,
// active rooms, the waiting queue, ban management, and the public ban-appeal
// endpoints. Admin routes require a bearer token; the public routes are
// rate limited per source address.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/murmur/chat-app/internal/ban"
	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/match"
	"github.com/murmur/chat-app/internal/registry"
	"github.com/murmur/chat-app/internal/source"
	"github.com/murmur/chat-app/internal/stats"
	"github.com/murmur/chat-app/internal/store"
)

// PublicRateLimit caps the public appeal/check endpoints per source.
const (
	PublicRateLimit  = 10
	PublicRateWindow = time.Minute
)

// Repository is the slice of the persistence contract the admin surface
// needs.
type Repository interface {
	IsBanned(ctx context.Context, ip string) (bool, error)
	CreateBan(ctx context.Context, ip, reason, bannedBy string, bannedAt int64) (store.Ban, error)
	DeleteBan(ctx context.Context, id int64) error
	DeleteBanByIP(ctx context.Context, ip string) error
	ListBans(ctx context.Context) ([]store.Ban, error)
	CountBans(ctx context.Context) (int, error)
	CreateAppeal(ctx context.Context, ip, email, reason string, submittedAt int64) (store.Appeal, error)
	ListAppeals(ctx context.Context, status string) ([]store.Appeal, error)
	ResolveAppeal(ctx context.Context, id int64, status, reviewer, notes string, reviewedAt int64) (store.Appeal, error)
	FlaggedMessages(ctx context.Context, n int) ([]store.MessageRecord, error)
}

// Handler holds the admin surface's dependencies.
type Handler struct {
	repo     Repository
	gate     *ban.Gate
	reg      *registry.Registry
	mm       *match.Matchmaker
	counters *stats.Counters
	clock    clock.Clock
	token    string
}

// New wires the admin surface. An empty token disables the admin routes
// entirely; the public routes stay up.
func New(repo Repository, gate *ban.Gate, reg *registry.Registry, mm *match.Matchmaker,
	counters *stats.Counters, clk clock.Clock, token string) *Handler {
	return &Handler{
		repo:     repo,
		gate:     gate,
		reg:      reg,
		mm:       mm,
		counters: counters,
		clock:    clk,
		token:    token,
	}
}

// Routes returns the chi router for /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireToken)

		r.Get("/stats", h.getStats)
		r.Get("/chats", h.getChats)
		r.Get("/queue", h.getQueue)
		r.Get("/flagged", h.getFlagged)

		r.Get("/bans", h.listBans)
		r.Post("/bans", h.createBan)
		r.Delete("/bans/{id}", h.deleteBan)

		r.Get("/appeals", h.listAppeals)
		r.Patch("/appeals/{id}", h.resolveAppeal)
	})

	// Public endpoints for banned users.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(PublicRateLimit, PublicRateWindow,
			httprate.WithKeyFuncs(func(req *http.Request) (string, error) {
				return source.FromRequest(req), nil
			}),
		))

		r.Post("/appeals", h.submitAppeal)
		r.Get("/check-ban", h.checkBan)
	})

	return r
}

// requireToken enforces "Authorization: Bearer <token>" with a constant
// time comparison. With no token configured every admin request is refused.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Stats and live state
// ---------------------------------------------------------------------------

type statsResponse struct {
	Connections     int              `json:"connections"`
	ActiveRooms     int              `json:"activeRooms"`
	WaitingSessions int              `json:"waitingSessions"`
	TotalBans       int              `json:"totalBans"`
	MessagesToday   int64            `json:"messagesToday"`
	Today           store.DailyStats `json:"today"`
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	totalBans, err := h.repo.CountBans(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Connections:     h.reg.Count(),
		ActiveRooms:     h.reg.RoomCount(),
		WaitingSessions: h.mm.Size(),
		TotalBans:       totalBans,
		MessagesToday:   h.counters.MessagesToday(),
		Today:           h.counters.Snapshot(),
	})
}

func (h *Handler) getChats(w http.ResponseWriter, _ *http.Request) {
	rooms := h.reg.SnapshotRooms()
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].StartedAt.After(rooms[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, rooms)
}

func (h *Handler) getQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mm.Snapshot())
}

type flaggedMessage struct {
	RoomID     string `json:"roomId"`
	SenderIP   string `json:"senderIp"`
	Content    string `json:"content"`
	SentAt     int64  `json:"sentAt"`
	FlagReason string `json:"flagReason"`
}

func (h *Handler) getFlagged(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	recs, err := h.repo.FlaggedMessages(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]flaggedMessage, 0, len(recs))
	for _, rec := range recs {
		out = append(out, flaggedMessage{
			RoomID:     rec.RoomID,
			SenderIP:   rec.SenderIP,
			Content:    rec.Content,
			SentAt:     rec.SentAt,
			FlagReason: rec.FlagReason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

func (h *Handler) listBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.repo.ListBans(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bans)
}

type createBanRequest struct {
	IP       string `json:"ip"`
	Reason   string `json:"reason"`
	BannedBy string `json:"bannedBy"`
}

func (h *Handler) createBan(w http.ResponseWriter, r *http.Request) {
	var req createBanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if req.BannedBy == "" {
		req.BannedBy = "admin"
	}

	b, err := h.repo.CreateBan(r.Context(), req.IP, req.Reason, req.BannedBy, h.clock.Now().Unix())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.gate.Invalidate()
	log.Printf("[admin] banned %s (%s)", b.IP, b.Reason)
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) deleteBan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ban id")
		return
	}
	if err := h.repo.DeleteBan(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	h.gate.Invalidate()
	log.Printf("[admin] unbanned id %d", id)
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Appeals
// ---------------------------------------------------------------------------

func (h *Handler) listAppeals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.AppealPending, store.AppealApproved, store.AppealRejected:
	default:
		writeError(w, http.StatusBadRequest, "unknown appeal status")
		return
	}

	appeals, err := h.repo.ListAppeals(r.Context(), status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appeals)
}

type resolveAppealRequest struct {
	Status   string `json:"status"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

func (h *Handler) resolveAppeal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appeal id")
		return
	}

	var req resolveAppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Status != store.AppealApproved && req.Status != store.AppealRejected {
		writeError(w, http.StatusBadRequest, "status must be approved or rejected")
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = "admin"
	}

	appeal, err := h.repo.ResolveAppeal(r.Context(), id, req.Status, req.Reviewer, req.Notes, h.clock.Now().Unix())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Approval lifts the ban.
	if appeal.Status == store.AppealApproved {
		if err := h.repo.DeleteBanByIP(r.Context(), appeal.IP); err != nil && !errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		h.gate.Invalidate()
		log.Printf("[admin] appeal %d approved, %s unbanned", appeal.ID, appeal.IP)
	}

	writeJSON(w, http.StatusOK, appeal)
}

// ---------------------------------------------------------------------------
// Public endpoints
// ---------------------------------------------------------------------------

type submitAppealRequest struct {
	IP     string `json:"ip"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (h *Handler) submitAppeal(w http.ResponseWriter, r *http.Request) {
	var req submitAppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	// The body may name the banned address (a ban can cover a connection the
	// appellant no longer holds); it defaults to the requester's own.
	ip := req.IP
	if ip == "" {
		ip = source.FromRequest(r)
	}
	banned, err := h.repo.IsBanned(r.Context(), ip)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !banned {
		writeError(w, http.StatusConflict, "no active ban for this address")
		return
	}

	appeal, err := h.repo.CreateAppeal(r.Context(), ip, req.Email, req.Reason, h.clock.Now().Unix())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appeal)
}

type checkBanResponse struct {
	Banned bool   `json:"banned"`
	IP     string `json:"ip"`
}

func (h *Handler) checkBan(w http.ResponseWriter, r *http.Request) {
	ip := source.FromRequest(r)
	banned, err := h.gate.IsBanned(r.Context(), ip)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkBanResponse{Banned: banned, IP: ip})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[admin] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	default:
		log.Printf("[admin] store: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
