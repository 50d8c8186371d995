// Benchmark tool for replaying bank statement exports against Shrike.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/statement.csv -url http://localhost:8080
//
// This tool:
//   1. Reads statement lines from a CSV export (narration, bank, value date)
//   2. Sends each line to Shrike's /price endpoint
//   3. Compares Shrike's classification with the expected code column, if present
//   4. Reports classification coverage, pricing coverage, accuracy, and latency
//
// Expected CSV columns (header names, case-insensitive):
//   text, bankId, valueDate (YYYY-MM-DD), profileId, series,
//   and optionally expectedCode for labelled datasets.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatementLine represents one row from the statement export.
type StatementLine struct {
	Text         string
	BankID       string
	ValueDate    string
	ProfileID    string
	Series       string
	ExpectedCode string
}

// PriceRequest is the Shrike API request format.
type PriceRequest struct {
	Text      string `json:"text"`
	BankID    string `json:"bankId"`
	ProfileID string `json:"profileId"`
	Series    string `json:"series"`
	ValueDate string `json:"valueDate"`
}

// PriceResponse is the subset of the resolution we score against.
type PriceResponse struct {
	ID                   string `json:"id"`
	ClassificationStatus string `json:"classificationStatus"`
	Code                 string `json:"code"`
	PricingStatus        string `json:"pricingStatus"`
	Rate                 string `json:"rate"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Classified     int64
	Unclassified   int64
	Priced         int64
	Unpriced       int64
	CorrectCode    int64
	WrongCode      int64
	TotalLabelled  int64
	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to statement CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Shrike base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	profileID := flag.String("profile", "", "Rate profile ID when the CSV has no profileId column")
	series := flag.String("series", "debit", "Rate series when the CSV has no series column")
	limit := flag.Int("limit", 10000, "Maximum lines to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each line result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/statement.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        SHRIKE BENCHMARK - Statement Classification            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Shrike URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Shrike is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Shrike not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Shrike is running:")
		fmt.Println("  go run cmd/shrike/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Shrike is healthy")

	// Read statement data
	fmt.Printf("\nReading statement lines from %s...\n", *csvPath)
	lines, err := readStatementCSV(*csvPath, *limit, *profileID, *series)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d statement lines\n", len(lines))

	labelled := 0
	for _, line := range lines {
		if line.ExpectedCode != "" {
			labelled++
		}
	}
	if labelled > 0 {
		fmt.Printf("  - Labelled:   %d (%.2f%%)\n", labelled, 100*float64(labelled)/float64(len(lines)))
	}

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(lines, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readStatementCSV(path string, limit int, defaultProfile, defaultSeries string) ([]StatementLine, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	field := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	if _, ok := colIndex["text"]; !ok {
		return nil, fmt.Errorf("CSV is missing required column %q", "text")
	}

	var lines []StatementLine
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		line := StatementLine{
			Text:         field(record, "text"),
			BankID:       field(record, "bankid"),
			ValueDate:    field(record, "valuedate"),
			ProfileID:    field(record, "profileid"),
			Series:       field(record, "series"),
			ExpectedCode: field(record, "expectedcode"),
		}
		if line.Text == "" {
			continue
		}
		if line.ProfileID == "" {
			line.ProfileID = defaultProfile
		}
		if line.Series == "" {
			line.Series = defaultSeries
		}

		lines = append(lines, line)

		if limit > 0 && len(lines) >= limit {
			break
		}
	}

	return lines, nil
}

func runBenchmark(lines []StatementLine, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan StatementLine, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for line := range work {
				start := time.Now()
				result, err := priceLine(client, baseURL, tenantID, line)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %.30s -> %v\n", line.Text, err)
					}
					continue
				}

				if result.ClassificationStatus == "CLASSIFIED" {
					atomic.AddInt64(&metrics.Classified, 1)
				} else {
					atomic.AddInt64(&metrics.Unclassified, 1)
				}
				if result.PricingStatus == "PRICED" {
					atomic.AddInt64(&metrics.Priced, 1)
				} else {
					atomic.AddInt64(&metrics.Unpriced, 1)
				}

				if line.ExpectedCode != "" {
					atomic.AddInt64(&metrics.TotalLabelled, 1)
					if result.Code == line.ExpectedCode {
						atomic.AddInt64(&metrics.CorrectCode, 1)
					} else {
						atomic.AddInt64(&metrics.WrongCode, 1)
					}
				}

				if verbose {
					status := "✓"
					if line.ExpectedCode != "" && result.Code != line.ExpectedCode {
						status = "✗"
					}
					text := line.Text
					if len(text) > 40 {
						text = text[:40]
					}
					fmt.Printf("%s %-40s | %-12s -> %-6s | %-8s | rate=%s\n",
						status,
						text,
						result.ClassificationStatus,
						result.Code,
						result.PricingStatus,
						result.Rate,
					)
				}
			}
		}()
	}

	// Send work
	for _, line := range lines {
		work <- line
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func priceLine(client *http.Client, baseURL, tenantID string, line StatementLine) (*PriceResponse, error) {
	req := PriceRequest{
		Text:      line.Text,
		BankID:    line.BankID,
		ProfileID: line.ProfileID,
		Series:    line.Series,
		ValueDate: line.ValueDate,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/price", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result PriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 COVERAGE\n")
	ok := m.TotalProcessed - m.TotalErrors
	if ok > 0 {
		fmt.Printf("   Classified:   %d / %d (%.2f%%)\n", m.Classified, ok, 100*float64(m.Classified)/float64(ok))
		fmt.Printf("   Unclassified: %d / %d (%.2f%%)\n", m.Unclassified, ok, 100*float64(m.Unclassified)/float64(ok))
		fmt.Printf("   Priced:       %d / %d (%.2f%%)\n", m.Priced, ok, 100*float64(m.Priced)/float64(ok))
		fmt.Printf("   Unpriced:     %d / %d (%.2f%%)\n", m.Unpriced, ok, 100*float64(m.Unpriced)/float64(ok))
	}

	if m.TotalLabelled > 0 {
		accuracy := float64(m.CorrectCode) / float64(m.TotalLabelled)
		fmt.Printf("\n🎯 LABELLED ACCURACY\n")
		fmt.Printf("   Correct Code: %d / %d (%.2f%%)\n", m.CorrectCode, m.TotalLabelled, 100*accuracy)
		fmt.Printf("   Wrong Code:   %d / %d (%.2f%%)\n", m.WrongCode, m.TotalLabelled,
			100*float64(m.WrongCode)/float64(m.TotalLabelled))
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f lines/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	coverage := float64(0)
	if ok > 0 {
		coverage = float64(m.Classified) / float64(ok)
	}
	if coverage >= 0.95 {
		fmt.Println("   ✅ Excellent coverage - pattern set handles this export")
	} else if coverage >= 0.8 {
		fmt.Println("   ⚠️  Good coverage - some narrations need new patterns")
	} else {
		fmt.Println("   ❌ Low coverage - review the unclassified queue for missing patterns")
	}

	fmt.Println()
}
