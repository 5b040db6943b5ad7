// Command loadtest drives simulated players through a running gateway:
// each one connects, joins the queue and answers proposals by accepting,
// rejecting or ignoring them at the configured rates.
//
// Usage:
//
//	loadtest -url ws://localhost:8080/ws -players 200 -reject-rate 0.1
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arena/matchmaking/internal/loadtest"
	"github.com/arena/matchmaking/internal/protocol"
)

type options struct {
	url         string
	players     int
	ramp        time.Duration
	concurrency int
	rejectRate  float64
	ignoreRate  float64
	timeout     time.Duration
	hero        string
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	flag.IntVar(&opts.players, "players", 100, "number of simulated players")
	flag.DurationVar(&opts.ramp, "ramp", 5*time.Second, "spread connects over this long")
	flag.IntVar(&opts.concurrency, "concurrency", 50, "max simultaneous connect attempts")
	flag.Float64Var(&opts.rejectRate, "reject-rate", 0, "fraction of proposals rejected")
	flag.Float64Var(&opts.ignoreRate, "ignore-rate", 0, "fraction of proposals left to expire")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-player deadline for a final outcome")
	flag.StringVar(&opts.hero, "hero", "", "hero_id sent with join_queue (empty uses the server default)")
	flag.Parse()

	if opts.players <= 0 || opts.rejectRate+opts.ignoreRate > 1 {
		fmt.Fprintln(os.Stderr, "loadtest: need players > 0 and reject-rate + ignore-rate <= 1")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Matchmaking load test: %d players to %s (ramp=%s, reject=%.2f, ignore=%.2f)\n",
		opts.players, opts.url, opts.ramp, opts.rejectRate, opts.ignoreRate)

	collector := loadtest.NewCollector()
	run(ctx, opts, collector)
	collector.Report(os.Stdout)
}

func run(ctx context.Context, opts options, collector *loadtest.Collector) {
	interval := opts.ramp / time.Duration(opts.players)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup
	runID := uuid.NewString()[:8]

	for i := 0; i < opts.players; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted during ramp-up")
			wg.Wait()
			return
		case <-ticker.C:
		}

		playerID := fmt.Sprintf("lt-%s-%d", runID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			c, err := connect(ctx, opts.url, playerID)
			<-sem
			if err != nil {
				collector.AddError()
				return
			}
			defer c.Close()
			collector.AddConnect(c.ConnectLatency)
			play(ctx, c, opts, collector)
		}()
	}
	wg.Wait()
}

func connect(ctx context.Context, url, playerID string) (*loadtest.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := loadtest.Dial(ctx, url, playerID)
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// play runs one player until the gateway reports a final outcome.
func play(ctx context.Context, c *loadtest.Client, opts options, collector *loadtest.Collector) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	joined := time.Now()

	var (
		once     sync.Once
		proposed sync.Once
		done     = make(chan struct{})
		mu       sync.Mutex
		rejected = make(map[string]bool)
	)
	finish := func(o loadtest.Outcome) {
		once.Do(func() {
			collector.AddOutcome(o, time.Since(joined))
			close(done)
		})
	}

	c.On(protocol.TypeMatchProposed, func(data []byte) {
		var m protocol.MatchProposedMsg
		if loadtest.Decode(data, &m) != nil {
			return
		}
		proposed.Do(func() { collector.AddProposal(time.Since(joined)) })

		switch roll := rng.Float64(); {
		case roll < opts.rejectRate:
			mu.Lock()
			rejected[m.MatchID] = true
			mu.Unlock()
			_ = c.Reject(m.MatchID)
		case roll < opts.rejectRate+opts.ignoreRate:
		default:
			_ = c.Accept(m.MatchID)
		}
	})
	c.On(protocol.TypeMatchConfirmed, func([]byte) { finish(loadtest.OutcomeConfirmed) })
	c.On(protocol.TypeMatchRejected, func(data []byte) {
		var m protocol.MatchRejectedMsg
		if loadtest.Decode(data, &m) != nil {
			return
		}
		mu.Lock()
		mine := rejected[m.MatchID]
		mu.Unlock()
		// The rejecter is requeued; a run ends on its first rejection.
		if mine {
			finish(loadtest.OutcomeRejected)
		}
	})
	c.On(protocol.TypeMatchAcceptanceExpired, func(data []byte) {
		var m protocol.MatchAcceptanceExpiredMsg
		if loadtest.Decode(data, &m) == nil && !m.Requeued {
			finish(loadtest.OutcomeExpired)
		}
	})
	c.On(protocol.TypeQueueTimeout, func([]byte) { finish(loadtest.OutcomeTimedOut) })
	c.On(protocol.TypeQueueBlocked, func([]byte) { finish(loadtest.OutcomeBlocked) })
	c.On(protocol.TypeError, func([]byte) { collector.AddError() })

	if err := c.JoinQueue(opts.hero); err != nil {
		finish(loadtest.OutcomeFailed)
		return
	}

	timer := time.NewTimer(opts.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		finish(loadtest.OutcomeFailed)
	case <-c.Done():
		finish(loadtest.OutcomeFailed)
	case <-ctx.Done():
	}
}
