// Command loadtest drives the ranker with simulated viewers and reports
// latency percentiles against the p95 target.
//
// Each worker plays one viewer: it opens a session, pages through the feed
// by following next_cursor, reports viewability for what it was shown, and
// occasionally pulls to refresh.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	PageSize    int
	MaxPages    int
	RefreshRate float64
	P95Target   time.Duration
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	cacheHits     atomic.Int64
	partialPages  atomic.Int64
	itemsServed   atomic.Int64
	eventsSent    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

type pageItem struct {
	PostID     string `json:"post_id"`
	DurationMs int64  `json:"duration_ms"`
	SourceTier string `json:"source_tier"`
}

type pageResponse struct {
	Items      []pageItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
	CacheHit   bool       `json:"cache_hit"`
	Partial    bool       `json:"partial"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the feed ranker")
	concurrency := flag.Int("concurrency", 10, "number of simulated viewers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	pageSize := flag.Int("page-size", 12, "items per page")
	maxPages := flag.Int("max-pages", 10, "pages per session before a new session starts")
	refreshRate := flag.Float64("refresh-rate", 0.1, "probability of a pull-to-refresh instead of the next page")
	target := flag.Duration("p95-target", 200*time.Millisecond, "p95 latency target")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		PageSize:    *pageSize,
		MaxPages:    *maxPages,
		RefreshRate: *refreshRate,
		P95Target:   *target,
	}

	fmt.Println("=== Feed Ranker Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Viewers:     %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Page size:   %d\n", cfg.PageSize)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg)
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			v := &viewer{
				id:     fmt.Sprintf("load-viewer-%d", workerID),
				cfg:    cfg,
				client: client,
				stats:  stats,
			}
			v.run(ctx)
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

type viewer struct {
	id     string
	cfg    Config
	client *http.Client
	stats  *Stats
}

func (v *viewer) run(ctx context.Context) {
	for ctx.Err() == nil {
		session := uuid.NewString()
		opened := time.Now().UTC()
		var nonce int64
		cursor := ""
		for page := 0; page < v.cfg.MaxPages && ctx.Err() == nil; page++ {
			if page > 0 && rand.Float64() < v.cfg.RefreshRate {
				nonce++
				cursor = ""
			}
			resp, ok := v.fetch(ctx, session, opened, nonce, cursor)
			if !ok {
				break
			}
			v.report(ctx, session, resp.Items)
			if resp.NextCursor == "" {
				break
			}
			cursor = resp.NextCursor
		}
	}
}

func (v *viewer) fetch(ctx context.Context, session string, opened time.Time, nonce int64, cursor string) (*pageResponse, bool) {
	q := url.Values{
		"viewer_id":         {v.id},
		"session_id":        {session},
		"session_opened_at": {strconv.FormatInt(opened.UnixMilli(), 10)},
		"page_size":         {strconv.Itoa(v.cfg.PageSize)},
		"refresh_nonce":     {strconv.FormatInt(nonce, 10)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BaseURL+"/api/v1/feed?"+q.Encode(), nil)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}

	start := time.Now()
	resp, err := v.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			v.stats.RecordRequest(duration, 0, err)
		}
		return nil, false
	}
	defer resp.Body.Close()
	v.stats.RecordRequest(duration, resp.StatusCode, nil)
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, false
	}
	if page.CacheHit {
		v.stats.cacheHits.Add(1)
	}
	if page.Partial {
		v.stats.partialPages.Add(1)
	}
	v.stats.itemsServed.Add(int64(len(page.Items)))
	return &page, true
}

// report sends viewability for the page, watching a random share of each
// item. Event latency is not part of the feed percentiles.
func (v *viewer) report(ctx context.Context, session string, items []pageItem) {
	if len(items) == 0 {
		return
	}
	events := make([]map[string]any, 0, len(items))
	now := time.Now().UTC()
	for _, it := range items {
		events = append(events, map[string]any{
			"post_id":           it.PostID,
			"session_id":        session,
			"became_visible_at": now,
			"visible_fraction":  0.5 + rand.Float64()/2,
			"dwell_ms":          300 + rand.Int64N(3000),
			"play_ms":           rand.Int64N(it.DurationMs + 1),
			"duration_ms":       it.DurationMs,
			"liked":             rand.Float64() < 0.05,
			"source_tier":       it.SourceTier,
		})
	}
	body, err := json.Marshal(map[string]any{"viewer_id": v.id, "events": events})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+"/api/v1/feed/events", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Viewer-ID", v.id)
	resp, err := v.client.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	v.stats.eventsSent.Add(int64(len(events)))
}

func printReport(stats *Stats, cfg Config) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Page Requests:   %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Cache Hits:      %d\n", stats.cacheHits.Load())
	fmt.Printf("Partial Pages:   %d\n", stats.partialPages.Load())
	fmt.Printf("Items Served:    %d\n", stats.itemsServed.Load())
	fmt.Printf("Events Sent:     %d\n", stats.eventsSent.Load())

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / cfg.Duration.Seconds()
		fmt.Printf("Pages/sec:       %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	var p95 time.Duration
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		p95 = percentile(latencies, 95)

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", p95)
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		avgFloat := float64(avg)
		for _, l := range latencies {
			diff := float64(l) - avgFloat
			sumSquared += diff * diff
		}
		stddev := time.Duration(math.Sqrt(sumSquared / float64(len(latencies))))
		fmt.Printf("StdDev: %s\n", stddev)
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := stats.statusCodes[code].Load()
		fmt.Printf("  %d: %d\n", code, count)
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}

	fmt.Println()
	if p95 > cfg.P95Target {
		fmt.Printf("FAIL: p95 %s exceeds target %s\n", p95, cfg.P95Target)
		os.Exit(2)
	}
	fmt.Printf("PASS: p95 %s within target %s\n", p95, cfg.P95Target)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
