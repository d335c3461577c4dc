package admin

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/murmur/chat-app/internal/ban"
	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/match"
	"github.com/murmur/chat-app/internal/registry"
	"github.com/murmur/chat-app/internal/stats"
	"github.com/murmur/chat-app/internal/store"
)

const testToken = "sekrit"

type fixture struct {
	handler  *Handler
	srv      *httptest.Server
	repo     *store.SQLStore
	reg      *registry.Registry
	mm       *match.Matchmaker
	counters *stats.Counters
	clk      *clock.Fake
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := store.NewSQLStore(db)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := registry.New()
	mm := match.New(reg, clk, nil)
	gate := ban.NewGate(repo, clk)
	counters := stats.New(repo, clk)

	h := New(repo, gate, reg, mm, counters, clk, testToken)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &fixture{handler: h, srv: srv, repo: repo, reg: reg, mm: mm, counters: counters, clk: clk}
}

// do issues a request with the admin token and decodes the JSON response
// into out (when non-nil).
func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func TestAuth(t *testing.T) {
	f := setup(t)

	resp, err := http.Get(f.srv.URL + "/admin/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", f.srv.URL+"/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	f := setup(t)
	f.handler.token = ""

	req, _ := http.NewRequest("GET", f.srv.URL+"/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer ")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when no token configured", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	f := setup(t)

	a := f.reg.Register("1.1.1.1", f.clk.Now())
	b := f.reg.Register("2.2.2.2", f.clk.Now())
	f.reg.SetWaiting(a.ID)
	f.reg.SetWaiting(b.ID)
	f.mm.Enqueue(a)
	f.counters.RecordMessage()
	f.counters.RecordMessage()

	var got statsResponse
	resp := f.do(t, "GET", "/admin/stats", nil, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.Connections != 2 || got.WaitingSessions != 1 || got.ActiveRooms != 0 {
		t.Errorf("stats = %+v", got)
	}
	if got.MessagesToday != 2 {
		t.Errorf("messagesToday = %d, want 2", got.MessagesToday)
	}
}

func TestChats_SortedNewestFirst(t *testing.T) {
	f := setup(t)

	pair := func(src1, src2 string) {
		a := f.reg.Register(src1, f.clk.Now())
		b := f.reg.Register(src2, f.clk.Now())
		f.reg.SetWaiting(a.ID)
		f.reg.SetWaiting(b.ID)
		if _, err := f.reg.Pair(a.ID, b.ID, f.clk.Now()); err != nil {
			t.Fatalf("pair: %v", err)
		}
	}
	pair("1.1.1.1", "2.2.2.2")
	f.clk.Advance(time.Minute)
	pair("3.3.3.3", "4.4.4.4")

	var rooms []registry.RoomInfo
	f.do(t, "GET", "/admin/chats", nil, &rooms)
	if len(rooms) != 2 {
		t.Fatalf("rooms = %d, want 2", len(rooms))
	}
	if !rooms[0].StartedAt.After(rooms[1].StartedAt) {
		t.Error("rooms should be sorted newest first")
	}
}

func TestQueue(t *testing.T) {
	f := setup(t)

	a := f.reg.Register("1.1.1.1", f.clk.Now())
	f.reg.SetWaiting(a.ID)
	f.mm.Enqueue(a)
	f.clk.Advance(time.Second)
	b := f.reg.Register("2.2.2.2", f.clk.Now())
	f.reg.SetWaiting(b.ID)
	f.mm.Enqueue(b)

	var queue []match.WaitingEntry
	f.do(t, "GET", "/admin/queue", nil, &queue)
	if len(queue) != 2 {
		t.Fatalf("queue = %d, want 2", len(queue))
	}
	if queue[0].SessionID != a.ID || queue[1].SessionID != b.ID {
		t.Error("queue should be in enqueue order")
	}
}

func TestBans_Lifecycle(t *testing.T) {
	f := setup(t)

	var created store.Ban
	resp := f.do(t, "POST", "/admin/bans", createBanRequest{IP: "9.9.9.9", Reason: "abuse"}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created.IP != "9.9.9.9" || created.BannedBy != "admin" {
		t.Errorf("ban = %+v", created)
	}
	if created.BannedAt != f.clk.Now().Unix() {
		t.Errorf("bannedAt = %d, want epoch seconds %d", created.BannedAt, f.clk.Now().Unix())
	}

	resp = f.do(t, "POST", "/admin/bans", createBanRequest{IP: "9.9.9.9", Reason: "again"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	var bans []store.Ban
	f.do(t, "GET", "/admin/bans", nil, &bans)
	if len(bans) != 1 {
		t.Fatalf("bans = %d, want 1", len(bans))
	}

	resp = f.do(t, "DELETE", fmt.Sprintf("/admin/bans/%d", created.ID), nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = f.do(t, "DELETE", fmt.Sprintf("/admin/bans/%d", created.ID), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestBans_CreateRequiresIP(t *testing.T) {
	f := setup(t)
	resp := f.do(t, "POST", "/admin/bans", createBanRequest{Reason: "no ip"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// submitAppealFrom posts a public appeal as the given source address.
func submitAppealFrom(t *testing.T, f *fixture, ip, reason string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(submitAppealRequest{Email: "u@example.com", Reason: reason})
	req, _ := http.NewRequest("POST", f.srv.URL+"/appeals", bytes.NewReader(body))
	req.Header.Set("X-Forwarded-For", ip)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post appeal: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAppeals_PublicSubmitAndResolve(t *testing.T) {
	f := setup(t)

	// Appeal without a ban is refused.
	if resp := submitAppealFrom(t, f, "9.9.9.9", "please"); resp.StatusCode != http.StatusConflict {
		t.Errorf("unbanned appeal status = %d, want 409", resp.StatusCode)
	}

	f.do(t, "POST", "/admin/bans", createBanRequest{IP: "9.9.9.9", Reason: "abuse"}, nil)

	resp := submitAppealFrom(t, f, "9.9.9.9", "it was my roommate")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("appeal status = %d, want 201", resp.StatusCode)
	}
	var appeal store.Appeal
	if err := json.NewDecoder(resp.Body).Decode(&appeal); err != nil {
		t.Fatalf("decode appeal: %v", err)
	}

	// A second pending appeal for the same address is refused.
	if resp := submitAppealFrom(t, f, "9.9.9.9", "again"); resp.StatusCode != http.StatusConflict {
		t.Errorf("second appeal status = %d, want 409", resp.StatusCode)
	}

	// Approving lifts the ban.
	var resolved store.Appeal
	r2 := f.do(t, "PATCH", fmt.Sprintf("/admin/appeals/%d", appeal.ID),
		resolveAppealRequest{Status: store.AppealApproved, Reviewer: "mod", Notes: "ok"}, &resolved)
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", r2.StatusCode)
	}
	if resolved.Status != store.AppealApproved {
		t.Errorf("status = %q", resolved.Status)
	}

	var check checkBanResponse
	req, _ := http.NewRequest("GET", f.srv.URL+"/check-ban", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9")
	r3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("check-ban: %v", err)
	}
	defer r3.Body.Close()
	if err := json.NewDecoder(r3.Body).Decode(&check); err != nil {
		t.Fatalf("decode check-ban: %v", err)
	}
	if check.Banned {
		t.Error("ban should be lifted after approval")
	}

	// Resolving a terminal appeal again is a conflict.
	r4 := f.do(t, "PATCH", fmt.Sprintf("/admin/appeals/%d", appeal.ID),
		resolveAppealRequest{Status: store.AppealRejected}, nil)
	if r4.StatusCode != http.StatusConflict {
		t.Errorf("re-resolve status = %d, want 409", r4.StatusCode)
	}
}

func TestAppeals_BodyAddressOverridesSource(t *testing.T) {
	f := setup(t)
	f.do(t, "POST", "/admin/bans", createBanRequest{IP: "5.5.5.5", Reason: "abuse"}, nil)

	body, _ := json.Marshal(submitAppealRequest{IP: "5.5.5.5", Email: "u@example.com", Reason: "new network"})
	req, _ := http.NewRequest("POST", f.srv.URL+"/appeals", bytes.NewReader(body))
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post appeal: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var appeal store.Appeal
	if err := json.NewDecoder(resp.Body).Decode(&appeal); err != nil {
		t.Fatalf("decode appeal: %v", err)
	}
	if appeal.IP != "5.5.5.5" {
		t.Errorf("appeal ip = %q, want the address named in the body", appeal.IP)
	}
}

func TestAppeals_BadStatus(t *testing.T) {
	f := setup(t)
	resp := f.do(t, "PATCH", "/admin/appeals/1", resolveAppealRequest{Status: "maybe"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp = f.do(t, "GET", "/admin/appeals?status=weird", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("list status = %d, want 400", resp.StatusCode)
	}
}

func TestCheckBan_Banned(t *testing.T) {
	f := setup(t)
	f.do(t, "POST", "/admin/bans", createBanRequest{IP: "8.8.8.8", Reason: "x"}, nil)

	req, _ := http.NewRequest("GET", f.srv.URL+"/check-ban", nil)
	req.Header.Set("X-Forwarded-For", "8.8.8.8")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("check-ban: %v", err)
	}
	defer resp.Body.Close()

	var check checkBanResponse
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !check.Banned {
		t.Error("expected banned=true")
	}
	if check.IP != "8.8.8.8" {
		t.Errorf("ip = %q, want the caller's address echoed back", check.IP)
	}
}

func TestPublicRateLimit(t *testing.T) {
	f := setup(t)

	var last int
	for i := 0; i < PublicRateLimit+1; i++ {
		req, _ := http.NewRequest("GET", f.srv.URL+"/check-ban", nil)
		req.Header.Set("X-Forwarded-For", "7.7.7.7")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("check-ban: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("request %d status = %d, want 429", PublicRateLimit+1, last)
	}
}
