// BitTorrent HTTP Tracker Benchmark Tool
// Simulates concurrent HTTP clients announcing into shared swarms
//
// Usage: go run ./benchmark -target http://localhost:6969 -duration 30s -concurrency 100
//        go run ./benchmark -discover

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
	"github.com/jackpal/bencode-go"
)

const (
	responseTimeout = 5 * time.Second
	readyTimeout    = 30 * time.Second
	mdnsService     = "_bittorrent-tracker._tcp"
	mdnsDomain      = "local."
	basePort        = 10000
)

// LatencyStats stores latencies for a specific operation type (started/announce/stopped)
type LatencyStats struct {
	Latencies []time.Duration
	Mu        sync.Mutex
}

func (l *LatencyStats) Record(d time.Duration) {
	l.Mu.Lock()
	l.Latencies = append(l.Latencies, d)
	l.Mu.Unlock()
}

func (l *LatencyStats) getSorted() []time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(l.Latencies))
	copy(sorted, l.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (l *LatencyStats) Percentile(p float64) time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (l *LatencyStats) Avg() time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range l.Latencies {
		sum += d
	}
	return sum / time.Duration(len(l.Latencies))
}

func (l *LatencyStats) Min() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[0]
}

func (l *LatencyStats) Max() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1]
}

func (l *LatencyStats) Count() int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return len(l.Latencies)
}

type Stats struct {
	ResponseSizes        []int
	TotalResponseSizes   []int
	StartTime            time.Time
	StartedLatency       LatencyStats
	AnnounceLatency      LatencyStats
	StoppedLatency       LatencyStats
	ResponseSizesMu      sync.Mutex
	TotalResponseSizesMu sync.Mutex
	TotalRequests        uint64
	SuccessfulReqs       uint64
	FailedReqs           uint64
	StartedCount         uint64
	AnnounceCount        uint64
	StoppedCount         uint64
	PeersReceived        uint64
}

type Config struct {
	Target      string
	Duration    time.Duration
	Concurrency int
	RateLimit   int
	NumHashes   int
	NumWant     int
	Compact     bool
}

type Benchmark struct {
	StopCh chan struct{}
	Client *http.Client
	Config Config
	Stats  Stats
}

func NewBenchmark(cfg Config) *Benchmark {
	return &Benchmark{
		StopCh: make(chan struct{}),
		Client: &http.Client{
			Timeout: responseTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency,
				MaxIdleConnsPerHost: cfg.Concurrency,
			},
		},
		Config: cfg,
		Stats: Stats{
			ResponseSizes:      make([]int, 0, 100000),
			TotalResponseSizes: make([]int, 0, 100000),
		},
	}
}

// waitReady polls the health endpoint until the tracker answers.
func (b *Benchmark) waitReady() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = readyTimeout
	return backoff.Retry(func() error {
		resp, err := b.Client.Get(b.Config.Target + "/healthz")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned %s", resp.Status)
		}
		return nil
	}, policy)
}

func (b *Benchmark) Run() error {
	if err := b.waitReady(); err != nil {
		return fmt.Errorf("tracker at %s is not ready: %w", b.Config.Target, err)
	}

	b.Stats.StartTime = time.Now()

	fmt.Printf("Starting benchmark...\n")
	fmt.Printf("Target: %s\n", b.Config.Target)
	fmt.Printf("Duration: %s\n", b.Config.Duration)
	fmt.Printf("Concurrency: %d\n", b.Config.Concurrency)
	fmt.Printf("Rate limit: %d req/s per worker\n", b.Config.RateLimit)
	fmt.Printf("Info hashes: %d (shared by all workers)\n", b.Config.NumHashes)
	fmt.Printf("Compact: %v\n", b.Config.Compact)
	fmt.Println()

	go b.reportProgress()

	var wg sync.WaitGroup
	for i := 0; i < b.Config.Concurrency; i++ {
		wg.Add(1)
		go b.worker(i, &wg)
	}

	time.Sleep(b.Config.Duration)
	close(b.StopCh)
	wg.Wait()
	b.printResults()
	return nil
}

func (b *Benchmark) worker(id int, wg *sync.WaitGroup) {
	defer wg.Done()

	var rateLimiter *time.Ticker
	if b.Config.RateLimit > 0 {
		rateLimiter = time.NewTicker(time.Second / time.Duration(b.Config.RateLimit))
		defer rateLimiter.Stop()
	}

	// every worker is a distinct peer: the tracker keys peers by address
	port := basePort + id
	peerID := generatePeerID(id)
	hashes := make([][20]byte, b.Config.NumHashes)
	for i := range hashes {
		hashes[i] = generateInfoHash(i)
	}

	for _, hash := range hashes {
		b.record(&b.Stats.StartedCount, b.doAnnounce(hash, peerID, port, "started", &b.Stats.StartedLatency))
	}

	defer func() {
		for _, hash := range hashes {
			b.record(&b.Stats.StoppedCount, b.doAnnounce(hash, peerID, port, "stopped", &b.Stats.StoppedLatency))
		}
	}()

	for {
		select {
		case <-b.StopCh:
			return
		default:
		}

		if rateLimiter != nil {
			<-rateLimiter.C
		}

		b.performCycle(peerID, port, hashes)
	}
}

// performCycle sends a regular announce for every hash
func (b *Benchmark) performCycle(peerID [20]byte, port int, hashes [][20]byte) {
	for _, hash := range hashes {
		select {
		case <-b.StopCh:
			return
		default:
		}

		b.record(&b.Stats.AnnounceCount, b.doAnnounce(hash, peerID, port, "", &b.Stats.AnnounceLatency))
	}
}

func (b *Benchmark) record(count *uint64, err error) {
	atomic.AddUint64(&b.Stats.TotalRequests, 1)
	if err != nil {
		atomic.AddUint64(&b.Stats.FailedReqs, 1)
		return
	}
	atomic.AddUint64(count, 1)
	atomic.AddUint64(&b.Stats.SuccessfulReqs, 1)
}

func (b *Benchmark) announceURL(infoHash, peerID [20]byte, port int, event string) string {
	q := url.Values{
		"info_hash":  {string(infoHash[:])},
		"peer_id":    {string(peerID[:])},
		"port":       {strconv.Itoa(port)},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {"100"}, // left=100 means leecher
		"numwant":    {strconv.Itoa(b.Config.NumWant)},
	}
	if event != "" {
		q.Set("event", event)
	}
	if b.Config.Compact {
		q.Set("compact", "1")
	}
	return b.Config.Target + "/announce?" + q.Encode()
}

// doAnnounce runs one announce and checks the bencoded answer.
func (b *Benchmark) doAnnounce(infoHash, peerID [20]byte, port int, event string, lat *LatencyStats) error {
	start := time.Now()

	n, err := b.fetchAnnounce(b.announceURL(infoHash, peerID, port, event))
	lat.Record(time.Since(start))
	b.recordResponseSize(n, err == nil)
	return err
}

func (b *Benchmark) fetchAnnounce(target string) (int, error) {
	resp, err := b.Client.Get(target)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("invalid response: %w", err)
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return 0, errors.New("invalid response: not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return 0, fmt.Errorf("tracker failure: %s", reason)
	}

	switch peers := dict["peers"].(type) {
	case string:
		atomic.AddUint64(&b.Stats.PeersReceived, uint64(len(peers)/6))
	case []any:
		atomic.AddUint64(&b.Stats.PeersReceived, uint64(len(peers)))
	}
	return len(body), nil
}

// recordResponseSize tracks response sizes for successful requests separately from all requests.
// This allows accurate min/max/avg for successful responses while still counting failures.
func (b *Benchmark) recordResponseSize(n int, success bool) {
	b.Stats.ResponseSizesMu.Lock()
	if success && n > 0 {
		b.Stats.ResponseSizes = append(b.Stats.ResponseSizes, n)
	}
	b.Stats.ResponseSizesMu.Unlock()

	b.Stats.TotalResponseSizesMu.Lock()
	b.Stats.TotalResponseSizes = append(b.Stats.TotalResponseSizes, n)
	b.Stats.TotalResponseSizesMu.Unlock()
}

// getResponseSizes returns copies of response size slices to avoid data races.
func (b *Benchmark) getResponseSizes() (sizes, totalSizes []int) {
	b.Stats.ResponseSizesMu.Lock()
	sizes = make([]int, len(b.Stats.ResponseSizes))
	copy(sizes, b.Stats.ResponseSizes)
	b.Stats.ResponseSizesMu.Unlock()

	b.Stats.TotalResponseSizesMu.Lock()
	totalSizes = make([]int, len(b.Stats.TotalResponseSizes))
	copy(totalSizes, b.Stats.TotalResponseSizes)
	b.Stats.TotalResponseSizesMu.Unlock()
	return
}

func (b *Benchmark) reportProgress() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(b.Stats.StartTime)
			total := atomic.LoadUint64(&b.Stats.TotalRequests)
			rps := float64(total) / elapsed.Seconds()
			fmt.Printf("[%s] Total: %d | RPS: %.0f | Success: %d | Failed: %d\n",
				elapsed.Round(time.Second), total, rps,
				atomic.LoadUint64(&b.Stats.SuccessfulReqs),
				atomic.LoadUint64(&b.Stats.FailedReqs))
		case <-b.StopCh:
			return
		}
	}
}

func (b *Benchmark) printResults() {
	elapsed := time.Since(b.Stats.StartTime)

	totalRequests := atomic.LoadUint64(&b.Stats.TotalRequests)
	successfulReqs := atomic.LoadUint64(&b.Stats.SuccessfulReqs)
	failedReqs := atomic.LoadUint64(&b.Stats.FailedReqs)
	startedCount := atomic.LoadUint64(&b.Stats.StartedCount)
	announceCount := atomic.LoadUint64(&b.Stats.AnnounceCount)
	stoppedCount := atomic.LoadUint64(&b.Stats.StoppedCount)

	b.printHeader(elapsed)
	b.printRequestStats(totalRequests, successfulReqs, failedReqs, elapsed)
	b.printRequestBreakdown(startedCount, announceCount, stoppedCount)
	b.printLatencyStats(startedCount, announceCount, stoppedCount)
	b.printResponseSizeStats()
	b.printRecommendations(totalRequests, successfulReqs, elapsed)
}

func (b *Benchmark) printHeader(elapsed time.Duration) {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Concurrency: %d workers\n", b.Config.Concurrency)
	fmt.Println()
}

func (b *Benchmark) printRequestStats(totalRequests, successfulReqs, failedReqs uint64, elapsed time.Duration) {
	fmt.Println("--- Request Statistics ---")
	fmt.Printf("Total Requests:     %d\n", totalRequests)

	successRate := float64(0)
	failRate := float64(0)
	if totalRequests > 0 {
		successRate = float64(successfulReqs) / float64(totalRequests) * 100
		failRate = float64(failedReqs) / float64(totalRequests) * 100
	}

	fmt.Printf("Successful:         %d (%.2f%%)\n", successfulReqs, successRate)
	fmt.Printf("Failed:             %d (%.2f%%)\n", failedReqs, failRate)
	fmt.Printf("Requests/Second:    %.2f\n", float64(totalRequests)/elapsed.Seconds())
	fmt.Println()
}

func (b *Benchmark) printRequestBreakdown(startedCount, announceCount, stoppedCount uint64) {
	fmt.Println("--- Request Breakdown ---")
	fmt.Printf("Started:            %d\n", startedCount)
	fmt.Printf("Announce:           %d\n", announceCount)
	fmt.Printf("Stopped:            %d\n", stoppedCount)
	fmt.Printf("Peers received:     %d\n", atomic.LoadUint64(&b.Stats.PeersReceived))
	fmt.Println()
}

func (b *Benchmark) printLatencyStats(startedCount, announceCount, stoppedCount uint64) {
	fmt.Println("--- Latency Statistics ---")

	printLatencyBreakdown := func(name string, lat *LatencyStats, count uint64) {
		if count == 0 {
			return
		}
		fmt.Printf("\n%s Latency (n=%d):\n", name, count)
		fmt.Printf("  Min:  %s\n", lat.Min())
		fmt.Printf("  Avg:  %s\n", lat.Avg())
		fmt.Printf("  P50:  %s\n", lat.Percentile(50))
		fmt.Printf("  P95:  %s\n", lat.Percentile(95))
		fmt.Printf("  P99:  %s\n", lat.Percentile(99))
		fmt.Printf("  Max:  %s\n", lat.Max())
	}

	printLatencyBreakdown("Started", &b.Stats.StartedLatency, startedCount)
	printLatencyBreakdown("Announce", &b.Stats.AnnounceLatency, announceCount)
	printLatencyBreakdown("Stopped", &b.Stats.StoppedLatency, stoppedCount)
	fmt.Println()
}

func (b *Benchmark) printResponseSizeStats() {
	respSizes, totalRespSizes := b.getResponseSizes()

	respSizeCount := len(respSizes)
	if respSizeCount > 0 {
		var totalSize int
		minSize := respSizes[0]
		maxSize := respSizes[0]
		for _, s := range respSizes {
			totalSize += s
			if s < minSize {
				minSize = s
			}
			if s > maxSize {
				maxSize = s
			}
		}
		avgSize := float64(totalSize) / float64(respSizeCount)
		fmt.Println("--- Response Size Statistics (successful) ---")
		fmt.Printf("Min:    %d bytes\n", minSize)
		fmt.Printf("Avg:    %.0f bytes\n", avgSize)
		fmt.Printf("Max:    %d bytes\n", maxSize)
		fmt.Printf("Count:  %d\n", respSizeCount)
	}

	totalRespSizeCount := len(totalRespSizes)
	if totalRespSizeCount > 0 {
		var totalSize int
		for _, s := range totalRespSizes {
			totalSize += s
		}
		avgSize := float64(totalSize) / float64(totalRespSizeCount)
		fmt.Println("--- Response Size Statistics (all) ---")
		fmt.Printf("Avg:    %.0f bytes\n", avgSize)
		fmt.Printf("Count:  %d (includes %d failures with 0 bytes)\n", totalRespSizeCount, totalRespSizeCount-respSizeCount)
	}
	fmt.Println()
}

func (b *Benchmark) printRecommendations(totalRequests, successfulReqs uint64, elapsed time.Duration) {
	if totalRequests == 0 {
		return
	}

	successRate := float64(successfulReqs) / float64(totalRequests) * 100
	switch {
	case successRate < 95:
		fmt.Println("⚠️  WARNING: Error rate is high (>5%). Check tracker logs.")
	case successRate < 99:
		fmt.Println("⚠️  NOTE: Error rate is elevated (1-5%). Monitor if consistent.")
	}

	if b.Stats.AnnounceLatency.Count() > 0 {
		p95 := b.Stats.AnnounceLatency.Percentile(95)
		switch {
		case p95 > 50*time.Millisecond:
			fmt.Println("⚠️  WARNING: P95 latency is high (>50ms). Consider reducing concurrency.")
		case p95 > 10*time.Millisecond:
			fmt.Println("ℹ️  P95 latency is acceptable (10-50ms).")
		default:
			fmt.Println("✓ P95 latency is excellent (<10ms).")
		}
	}

	rps := float64(totalRequests) / elapsed.Seconds()
	switch {
	case rps > 20000:
		fmt.Println("✓ Excellent throughput (>20K RPS).")
	case rps > 5000:
		fmt.Println("✓ Good throughput (5K-20K RPS).")
	default:
		fmt.Println("ℹ️  Throughput could be improved (<5K RPS).")
	}
}

// generateInfoHash creates a deterministic 20-byte info hash for testing.
// Workers share hashes so swarms grow and announces return peers.
func generateInfoHash(hashID int) [20]byte {
	var hash [20]byte
	binary.BigEndian.PutUint32(hash[0:4], uint32(hashID))
	for i := 4; i < 20; i++ {
		hash[i] = byte(i)
	}
	return hash
}

// generatePeerID creates a uTorrent-style peer ID for testing.
func generatePeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[0:8], "-UT1234-")
	binary.BigEndian.PutUint32(id[8:12], uint32(workerID))
	binary.BigEndian.PutUint32(id[12:16], uint32(time.Now().UnixNano()))
	return id
}

// discoverTarget browses the local network for an advertised tracker.
func discoverTarget(timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("failed to browse: %w", err)
	}

	for {
		select {
		case entry := <-entries:
			if entry == nil {
				continue
			}
			if len(entry.AddrIPv4) > 0 {
				return fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port), nil
			}
			if len(entry.AddrIPv6) > 0 {
				return fmt.Sprintf("http://[%s]:%d", entry.AddrIPv6[0], entry.Port), nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("no tracker found on the local network within %s", timeout)
		}
	}
}

func main() {
	var config Config

	flag.StringVar(&config.Target, "target", "http://localhost:6969", "Tracker base URL")
	discover := flag.Bool("discover", false, "Find the tracker via mDNS instead of -target")
	duration := flag.Duration("duration", 30*time.Second, "Benchmark duration")
	flag.IntVar(&config.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.IntVar(&config.RateLimit, "rate", 0, "Rate limit per worker (req/s, 0=unlimited)")
	flag.IntVar(&config.NumHashes, "hashes", 5, "Number of info hashes shared by workers")
	flag.IntVar(&config.NumWant, "numwant", 50, "Number of peers to request")
	flag.BoolVar(&config.Compact, "compact", true, "Request compact peer lists")
	flag.Parse()

	config.Duration = *duration
	config.Target = strings.TrimSuffix(config.Target, "/")

	if config.Concurrency < 1 {
		log.Fatal("Concurrency must be at least 1")
	}
	if config.NumHashes < 1 {
		log.Fatal("Hashes must be at least 1")
	}

	if *discover {
		target, err := discoverTarget(5 * time.Second)
		if err != nil {
			log.Fatalf("Discovery failed: %v", err)
		}
		config.Target = target
	}

	benchmark := NewBenchmark(config)
	if err := benchmark.Run(); err != nil {
		log.Fatal(err)
	}
}
