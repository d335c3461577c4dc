package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/murmur/chat-app/loadtest/client"
	"github.com/murmur/chat-app/loadtest/stats"
)

// runSaturate opens a target number of idle connections and then holds them,
// watching whether the server keeps them alive. It probes the connection
// ceiling rather than message throughput.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "number of connections to open")
	rampOver := fs.Duration("ramp", 10*time.Second, "time to spread connection attempts over")
	hold := fs.Duration("hold", 30*time.Second, "how long to keep all connections open")
	concurrency := fs.Int("concurrency", 50, "maximum dials in flight")
	fs.Parse(args)

	fmt.Printf("saturate: %d connections to %s (ramp %s, hold %s, concurrency %d)\n",
		*connections, *url, *rampOver, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	start := time.Now()
	clients, interrupted := rampUp(ctx, *url, *connections, *rampOver, *concurrency, "ramp", collector)
	fmt.Printf("\nramp done: %d/%d connected in %s (%d errors)\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		if dropped := holdOpen(ctx, clients, *hold); dropped > 0 {
			fmt.Printf("connections dropped during hold: %d\n", dropped)
		}
	}

	closeAll(clients)
	collector.Report()
}

// holdOpen keeps the connections open for the hold duration and reports how
// many the server dropped. A client that has logged a transport error counts
// as dropped.
func holdOpen(ctx context.Context, clients []*client.Client, hold time.Duration) int {
	fmt.Printf("holding %d connections for %s...\n", len(clients), hold)

	countAlive := func() int {
		alive := 0
		for _, c := range clients {
			if c.GetMetrics().Errors == 0 {
				alive++
			}
		}
		return alive
	}

	progress := startProgress(5*time.Second, func() {
		fmt.Printf("  [hold] alive: %d/%d\n", countAlive(), len(clients))
	})
	defer progress.stop()

	select {
	case <-ctx.Done():
		fmt.Println("interrupted during hold")
	case <-time.After(hold):
	}

	return len(clients) - countAlive()
}
