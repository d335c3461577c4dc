// Package stats aggregates client-side measurements from a load test run and
// prints the closing report.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector gathers latency samples and counters from many client goroutines.
// All methods are safe for concurrent use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	pairLatencies    []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	start            time.Time
	scraper          *Scraper
}

// NewCollector starts a collector; run duration is measured from here.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// SetScraper attaches a server-side metrics scraper whose report is appended
// to the collector's own.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an admitted connection and its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddPairLatency records the time from join_queue to partner_found.
func (c *Collector) AddPairLatency(d time.Duration) {
	c.mu.Lock()
	c.pairLatencies = append(c.pairLatencies, d)
	c.mu.Unlock()
}

// AddMsgLatency records one message round-trip measurement.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddError counts one failure of any kind.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of admitted connections so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded failures so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the closing summary: totals, error rate, and a percentile
// line per latency series that has samples.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.start).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, sec := range []struct {
		label   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Pairing Latency", c.pairLatencies},
		{"Message Latency", c.msgLatencies},
	} {
		if len(sec.samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n  %s\n", sec.label, summarize(sec.samples))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// summary is the percentile digest of one latency series.
type summary struct {
	n                       int
	avg, p50, p95, p99, max time.Duration
}

func summarize(samples []time.Duration) summary {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	at := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return summary{
		n:   n,
		avg: sum / time.Duration(n),
		p50: sorted[n/2],
		p95: at(0.95),
		p99: at(0.99),
		max: sorted[n-1],
	}
}

func (s summary) String() string {
	return fmt.Sprintf("avg %v  p50 %v  p95 %v  p99 %v  max %v  (n=%d)",
		s.avg.Round(time.Microsecond),
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
		s.max.Round(time.Microsecond),
		s.n,
	)
}
