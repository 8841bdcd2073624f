// Command loadtest hammers a running server's ingest endpoint and reports
// throughput, latency percentiles, and how the rate limiter held up.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8080 -key kontext_test_key -requests 2000
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	BaseURL        string
	APIKey         string
	ProjectID      string
	NumRequests    int
	Concurrency    int
	BatchSize      int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	TotalRequests       uint64
	Accepted            uint64
	RateLimited         uint64
	Failed              uint64
	ActionsSent         uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Server base URL")
	apiKey := flag.String("key", "kontext_test_key", "API key to authenticate with")
	projectID := flag.String("project", "proj_loadtest", "Project ID header value")
	numRequests := flag.Int("requests", 1000, "Number of ingest requests to send")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	batchSize := flag.Int("batch", 5, "Actions per ingest request")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		APIKey:         *apiKey,
		ProjectID:      *projectID,
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		BatchSize:      *batchSize,
		ReportInterval: *reportInterval,
	}

	slog.Info("Starting ingest load test")
	slog.Info("Target", "url", config.BaseURL, "project", config.ProjectID)
	slog.Info("Plan", "requests", config.NumRequests, "concurrency", config.Concurrency, "batch", config.BatchSize)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := &http.Client{Timeout: 10 * time.Second}

	stats := &LoadTestStats{
		MinLatency: time.Hour, // initialize to a large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	reqChan := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for reqID := range reqChan {
				sendBatch(client, config, workerID, reqID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func sendBatch(
	client *http.Client,
	config LoadTestConfig,
	workerID, reqID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	agentID := fmt.Sprintf("agent-%d", workerID%10) // 10 agents
	actions := make([]map[string]interface{}, config.BatchSize)
	for i := range actions {
		actions[i] = map[string]interface{}{
			"id":          fmt.Sprintf("act_%d_%d_%d", workerID, reqID, i),
			"type":        "payment.sent",
			"agentId":     agentID,
			"description": fmt.Sprintf("Load test transfer %d-%d-%d", workerID, reqID, i),
			"txHash":      fmt.Sprintf("0x%08x%08x", workerID, reqID*config.BatchSize+i),
			"amount":      12.5,
			"token":       "USDC",
			"chain":       "base",
		}
	}
	body, _ := json.Marshal(map[string]interface{}{"actions": actions})

	req, err := http.NewRequest(http.MethodPost, config.BaseURL+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		atomic.AddUint64(&stats.TotalRequests, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+config.APIKey)
	req.Header.Set("X-Project-Id", config.ProjectID)

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalRequests, 1)

	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		atomic.AddUint64(&stats.Accepted, 1)
		atomic.AddUint64(&stats.ActionsSent, uint64(config.BatchSize))
	case resp.StatusCode == http.StatusTooManyRequests:
		atomic.AddUint64(&stats.RateLimited, 1)
	default:
		atomic.AddUint64(&stats.Failed, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			accepted := atomic.LoadUint64(&stats.Accepted)
			limited := atomic.LoadUint64(&stats.RateLimited)
			failed := atomic.LoadUint64(&stats.Failed)

			slog.Info("Progress", "total", total, "accepted", accepted, "rate_limited", limited, "failed", failed, "min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("INGEST LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Accepted:               %d (%.2f%%)\n",
		stats.Accepted,
		float64(stats.Accepted)/float64(stats.TotalRequests)*100)
	fmt.Printf("Rate Limited (429):     %d (%.2f%%)\n",
		stats.RateLimited,
		float64(stats.RateLimited)/float64(stats.TotalRequests)*100)
	fmt.Printf("Failed:                 %d (%.2f%%)\n",
		stats.Failed,
		float64(stats.Failed)/float64(stats.TotalRequests)*100)
	fmt.Printf("Actions Recorded:       %d\n", stats.ActionsSent)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f reqs/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.Failed == 0 {
		fmt.Println("PASS: no transport or server failures")
	} else {
		fmt.Println("FAIL: some requests failed outright")
	}

	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("PASS: P95 latency under 100ms")
	} else {
		fmt.Println("WARN: P95 latency above 100ms")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
