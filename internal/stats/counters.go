// Package stats keeps the live operational counters: messages today, peak
// concurrent rooms, and the set of unique source addresses seen today. The
// previous day's snapshot is persisted at the local-day boundary, and an
// hourly tick records per-hour message deltas.
package stats

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/murmur/chat-app/internal/clock"
	"github.com/murmur/chat-app/internal/store"
)

// Repository is the slice of the persistence contract the counters need.
// Write failures are logged and swallowed; counters are best-effort.
type Repository interface {
	UpsertDailyStats(ctx context.Context, d store.DailyStats) error
	InsertHourlyStats(ctx context.Context, date string, hour int, messageCount int64) error
}

// Counters is goroutine-safe; every mutation checks the day boundary first.
type Counters struct {
	repo  Repository
	clock clock.Clock

	mu            sync.Mutex
	date          string // local date the counters cover, YYYY-MM-DD
	messages      int64
	peakRooms     int
	uniqueSources map[string]struct{}
	hourBase      int64 // messages total at the last hourly snapshot
}

// New creates Counters pinned to the clock's current day.
func New(repo Repository, clk clock.Clock) *Counters {
	return &Counters{
		repo:          repo,
		clock:         clk,
		date:          clk.Now().Format("2006-01-02"),
		uniqueSources: make(map[string]struct{}),
	}
}

// rollDay persists and resets the counters if the local day has changed.
// Caller holds c.mu.
func (c *Counters) rollDay(now time.Time) {
	today := now.Format("2006-01-02")
	if today == c.date {
		return
	}

	snapshot := store.DailyStats{
		Date:                c.date,
		MessageCount:        c.messages,
		PeakConcurrentRooms: c.peakRooms,
		UniqueIPs:           len(c.uniqueSources),
	}
	// Persist outside the realtime path but inside the lock: rollover is
	// rare and the write must not race a concurrent rollover.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := c.repo.UpsertDailyStats(ctx, snapshot); err != nil {
		log.Printf("[stats] persist daily snapshot for %s: %v", c.date, err)
	}
	cancel()

	c.date = today
	c.messages = 0
	c.peakRooms = 0
	c.uniqueSources = make(map[string]struct{})
	c.hourBase = 0
}

// RecordMessage counts one relayed message.
func (c *Counters) RecordMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.clock.Now())
	c.messages++
}

// ObserveRooms updates the peak concurrent room count.
func (c *Counters) ObserveRooms(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.clock.Now())
	if n > c.peakRooms {
		c.peakRooms = n
	}
}

// RecordSource adds a source address to today's unique set.
func (c *Counters) RecordSource(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.clock.Now())
	c.uniqueSources[ip] = struct{}{}
}

// MessagesToday returns the running message count for the current day.
func (c *Counters) MessagesToday() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.clock.Now())
	return c.messages
}

// Snapshot returns today's counters for the admin surface.
func (c *Counters) Snapshot() store.DailyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.clock.Now())
	return store.DailyStats{
		Date:                c.date,
		MessageCount:        c.messages,
		PeakConcurrentRooms: c.peakRooms,
		UniqueIPs:           len(c.uniqueSources),
	}
}

// HourlyTick persists the message delta since the previous tick. The hourly
// row records only this hour's traffic, not the cumulative day total.
func (c *Counters) HourlyTick(ctx context.Context) {
	c.mu.Lock()
	now := c.clock.Now()
	c.rollDay(now)
	delta := c.messages - c.hourBase
	c.hourBase = c.messages
	date := c.date
	c.mu.Unlock()

	if err := c.repo.InsertHourlyStats(ctx, date, now.Hour(), delta); err != nil {
		log.Printf("[stats] persist hourly delta for %s/%d: %v", date, now.Hour(), err)
	}
}

// Run drives HourlyTick until the context is cancelled. Interval is
// normally one hour; tests pass something shorter.
func (c *Counters) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.HourlyTick(ctx)
		}
	}
}
