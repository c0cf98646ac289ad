// Command tradeload drives a running tradeledger with concurrent trades while
// holding SSE connections to the commit stream, and reports what came back.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	events      atomic.Int64

	completed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	sendErrs  atomic.Int64
}

func (c *counters) String() string {
	return fmt.Sprintf("watchers=%d watch_errs=%d events=%d completed=%d rejected=%d failed=%d send_errs=%d",
		c.connected.Load(), c.connectErrs.Load(), c.events.Load(),
		c.completed.Load(), c.rejected.Load(), c.failed.Load(), c.sendErrs.Load())
}

func main() {
	var (
		baseURL  string
		watchers int
		writers  int
		accounts int
		symbols  string
		duration time.Duration
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "tradeledger base URL")
	flag.IntVar(&watchers, "watchers", 100, "concurrent commit stream connections")
	flag.IntVar(&writers, "writers", 8, "concurrent trade submitters")
	flag.IntVar(&accounts, "accounts", 4, "accounts to spread trades over (acc-0 .. acc-N)")
	flag.StringVar(&symbols, "symbols", "BTC,ETH", "comma separated asset symbols")
	flag.DurationVar(&duration, "dur", 30*time.Second, "test duration")
	flag.Parse()

	if watchers < 0 || writers <= 0 || accounts <= 0 {
		log.Fatalf("invalid flags: watchers=%d writers=%d accounts=%d", watchers, writers, accounts)
	}
	assets := strings.Split(symbols, ",")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     watchers + writers + 10,
			MaxIdleConnsPerHost: watchers + writers + 10,
			DisableCompression:  true,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		},
	}

	var stats counters
	start := time.Now()
	log.Printf("starting load: url=%s watchers=%d writers=%d dur=%s", baseURL, watchers, writers, duration)

	var wg sync.WaitGroup
	for i := 0; i < watchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watch(ctx, client, baseURL+"/v1/trades/stream", &stats)
		}()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("status: %s elapsed=%s", &stats, time.Since(start).Truncate(time.Second))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			for gctx.Err() == nil {
				account := fmt.Sprintf("acc-%d", rng.Intn(accounts))
				submit(gctx, client, baseURL+"/v1/trades", account, randomTrade(rng, assets), &stats)
			}
			return nil
		})
	}
	_ = g.Wait()
	wg.Wait()

	elapsed := time.Since(start)
	trades := stats.completed.Load() + stats.rejected.Load() + stats.failed.Load()
	fmt.Printf("done: %s elapsed=%s trades/s=%.2f\n", &stats, elapsed.Truncate(time.Millisecond), float64(trades)/elapsed.Seconds())
	if stats.failed.Load() > 0 {
		os.Exit(1)
	}
}

func randomTrade(rng *rand.Rand, assets []string) map[string]string {
	side := "BUY"
	if rng.Intn(2) == 1 {
		side = "SELL"
	}
	return map[string]string{
		"side":           side,
		"asset_symbol":   assets[rng.Intn(len(assets))],
		"quantity":       fmt.Sprintf("%d.%02d", rng.Intn(3), 1+rng.Intn(99)),
		"price_per_unit": fmt.Sprintf("%d", 10+rng.Intn(90)),
	}
}

// submit posts one trade. Business rejections (4xx) are expected under random load,
// anything 5xx is counted as a failure.
func submit(ctx context.Context, client *http.Client, url, account string, body map[string]string, stats *counters) {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		stats.sendErrs.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", account)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			stats.sendErrs.Add(1)
		}
		return
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		stats.completed.Add(1)
	case resp.StatusCode < 500:
		stats.rejected.Add(1)
	default:
		stats.failed.Add(1)
	}
}

func watch(ctx context.Context, client *http.Client, url string, stats *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		stats.connectErrs.Add(1)
		return
	}
	stats.connected.Add(1)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			stats.events.Add(1)
		}
	}
}
