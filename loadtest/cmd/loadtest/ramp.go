package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/murmur/chat-app/loadtest/client"
	"github.com/murmur/chat-app/loadtest/stats"
)

// dialTimeout bounds one connection attempt, admission check included.
const dialTimeout = 10 * time.Second

// rampUp opens total connections against url, spread over the given duration
// with at most concurrency dials in flight. A connection only counts once it
// answers a ping: the server sends a verdict frame and closes refused
// connections, so a pong proves admission. Returns the admitted clients and
// whether the ramp was cut short by ctx.
func rampUp(ctx context.Context, url string, total int, over time.Duration, concurrency int, label string, collector *stats.Collector) ([]*client.Client, bool) {
	step := over / time.Duration(total)
	if step <= 0 {
		step = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, total)
	)

	progress := startProgress(2*time.Second, func() {
		fmt.Printf("  [%s] connected: %d/%d  errors: %d\n",
			label, collector.ConnectionCount(), total, collector.ErrorCount())
	})
	defer progress.stop()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	interrupted := false
launch:
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()

			c, err := client.New(dialCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.AwaitPong(dialCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}

			collector.AddConnect(c.GetMetrics().ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return clients, interrupted
}

// progressTicker prints a status line at a fixed interval until stopped.
type progressTicker struct {
	done chan struct{}
	wg   sync.WaitGroup
}

func startProgress(every time.Duration, print func()) *progressTicker {
	p := &progressTicker{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				print()
			case <-p.done:
				return
			}
		}
	}()
	return p
}

func (p *progressTicker) stop() {
	close(p.done)
	p.wg.Wait()
}

// closeAll tears down every client.
func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
