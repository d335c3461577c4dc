package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/murmur/chat-app/loadtest/client"
	"github.com/murmur/chat-app/loadtest/stats"
)

// pairResult tracks the outcome of a single chat pair's lifecycle.
type pairResult struct {
	paired       bool
	chatStarted  bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
	pairLatency  time.Duration
}

// runChat implements the full chat lifecycle load test. Each simulated user
// pair goes through the complete flow: connect -> join_queue ->
// partner_found -> exchange messages -> disconnect_chat. This test measures
// end-to-end latency and throughput for the entire chat experience.
//
// Pairing is server-side and automatic: two clients that join the queue
// back-to-back are overwhelmingly likely to be paired with each other, which
// the per-pair stagger encourages, but the test tolerates cross-pairing since
// every client both sends and receives regardless of who its partner is.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs for full chat lifecycle")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "Interval between messages per user (the server caps messages per source per minute)")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	pairTimeout := fs.Duration("pair-timeout", 30*time.Second, "Timeout waiting for partner_found")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *ramp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	start := time.Now()
	clients, interrupted := rampUp(ctx, *url, totalClients, *ramp, *concurrency, "connect", collector)
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		len(clients), totalClients, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted, skipping chat phases.")
		closeAll(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// Pairs need an even number of clients. Drop any extra.
	if len(clients)%2 != 0 {
		clients[len(clients)-1].Close()
		clients = clients[:len(clients)-1]
	}
	actualPairs := len(clients) / 2
	if actualPairs == 0 {
		fmt.Println("Not enough connections to form a single pair.")
		closeAll(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2-4: Pair, Chat, Disconnect (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-4: Running %d chat pairs ---\n", actualPairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, actualPairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, actualPairs, sent, recv, errs)
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	for i := 0; i < actualPairs; i++ {
		i := i // capture loop variable
		c1 := clients[i*2]
		c2 := clients[i*2+1]

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger join_queue sends by 100ms between pairs so each pair
			// meets an empty queue and is matched with itself.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, c1, c2, *chatDuration, *msgInterval, *pairTimeout,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted, waiting for pairs to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulChats int
	var totalSent, totalRecv int64
	var totalPairLatency time.Duration
	pairedCount := 0

	for _, r := range results {
		if r.endedCleanly {
			successfulChats++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.paired {
			pairedCount++
			totalPairLatency += r.pairLatency
		}
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Successful chats:  %d / %d\n", successfulChats, actualPairs)
	fmt.Printf("Pairs formed:      %d / %d\n", pairedCount, actualPairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if pairedCount > 0 {
		avgPair := totalPairLatency / time.Duration(pairedCount)
		fmt.Printf("Avg pair latency:  %s\n", avgPair.Round(time.Millisecond))
	}
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

// runPair executes the full chat lifecycle for a pair of clients:
// join_queue -> partner_found -> exchange messages -> disconnect_chat.
// It returns after the chat ends or the context is cancelled.
func runPair(
	ctx context.Context,
	c1, c2 *client.Client,
	chatDuration, msgInterval, pairTimeout time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Phase 2: Pairing ---

	// Channels to coordinate the pairing flow.
	c1Paired := make(chan struct{}, 1)
	c2Paired := make(chan struct{}, 1)

	// Channels for message reception during the chat phase.
	c1MsgRecv := make(chan struct{}, 100)
	c2MsgRecv := make(chan struct{}, 100)

	// Channels for partner_disconnected notification.
	c1PartnerGone := make(chan struct{}, 1)
	c2PartnerGone := make(chan struct{}, 1)

	for _, reg := range []struct {
		c           *client.Client
		paired      chan struct{}
		msgRecv     chan struct{}
		partnerGone chan struct{}
	}{
		{c1, c1Paired, c1MsgRecv, c1PartnerGone},
		{c2, c2Paired, c2MsgRecv, c2PartnerGone},
	} {
		reg := reg
		reg.c.On(client.TypePartnerFound, func(json.RawMessage) {
			select {
			case reg.paired <- struct{}{}:
			default:
			}
		})
		reg.c.On(client.TypeMessageReceived, func(json.RawMessage) {
			totalMsgRecv.Add(1)
			select {
			case reg.msgRecv <- struct{}{}:
			default:
			}
		})
		reg.c.On(client.TypePartnerDisconnected, func(json.RawMessage) {
			select {
			case reg.partnerGone <- struct{}{}:
			default:
			}
		})
	}

	// Both join the queue.
	pairStart := time.Now()

	if err := c1.Send(client.TypeJoinQueue, nil); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Send(client.TypeJoinQueue, nil); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for partner_found on both clients.
	pairCtx, pairCancel := context.WithTimeout(ctx, pairTimeout)
	defer pairCancel()

	select {
	case <-c1Paired:
	case <-pairCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case <-c2Paired:
	case <-pairCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	pairLatency := time.Since(pairStart)
	result.paired = true
	result.pairLatency = pairLatency
	collector.AddPairLatency(pairLatency)

	// --- Phase 3: Chat ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)
	result.chatStarted = true

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	// Each client sends messages on its own ticker. We track approximate
	// message latency by recording the time of the last send and measuring
	// until the next receive on the same client.
	var c1LastSend atomic.Int64 // unix nanoseconds of last send
	var c2LastSend atomic.Int64 // unix nanoseconds of last send

	var chatWg sync.WaitGroup
	chatWg.Add(2)

	sender := func(c *client.Client, lastSend *atomic.Int64) {
		defer chatWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				lastSend.Store(time.Now().UnixNano())
				if err := c.Send(client.TypeSendMessage, map[string]string{
					"content": msgPayload,
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				atomic.AddInt64(&result.msgSent, 1)
			}
		}
	}

	go sender(c1, &c1LastSend)
	go sender(c2, &c2LastSend)

	// Receivers record latency as time since the same client's last send.
	chatWg.Add(2)

	receiver := func(msgRecv chan struct{}, lastSend *atomic.Int64) {
		defer chatWg.Done()
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-msgRecv:
				atomic.AddInt64(&result.msgRecv, 1)
				if ts := lastSend.Load(); ts > 0 {
					latency := time.Since(time.Unix(0, ts))
					collector.AddMsgLatency(latency)
				}
			}
		}
	}

	go receiver(c1MsgRecv, &c1LastSend)
	go receiver(c2MsgRecv, &c2LastSend)

	// Wait for the chat duration to expire.
	chatWg.Wait()

	// --- Phase 4: Disconnect ---

	// c1 leaves the chat; the server notifies its partner.
	if err := c1.Send(client.TypeDisconnectChat, nil); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for partner_disconnected (with a short timeout). When pairs were
	// cross-matched by the server the notification may land on c1 instead.
	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-c2PartnerGone:
		result.endedCleanly = true
	case <-c1PartnerGone:
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}
}
