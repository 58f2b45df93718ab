// Replay tool for feeding recorded transactions through a running Kestrel.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/transactions.csv -url http://localhost:8080
//
// The CSV needs a header row. Recognised columns (case-insensitive):
// amount, currency, merchantId, merchantName, customerId, customerEmail,
// location, ipAddress, deviceId, idempotencyKey and an optional isFraud
// label. With labels present the block decision is compared against them.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func main() {
	csvPath := flag.String("csv", "", "Path to transactions CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Printf("CSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n\n", *limit)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, skipped, err := readRows(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions (%d rows skipped)\n", len(rows), skipped)

	start := time.Now()
	report := replay(rows, *baseURL, *workers, *verbose)
	report.Print(os.Stdout, time.Since(start))
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

func replay(rows []row, baseURL string, numWorkers int, verbose bool) *Report {
	report := NewReport()

	work := make(chan row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for r := range work {
				start := time.Now()
				rec, err := submit(client, baseURL, r)
				elapsed := time.Since(start)

				if err != nil {
					report.AddError()
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", r.Request.CustomerID, err)
					}
					continue
				}

				report.Add(rec, r.Label, elapsed)
				if verbose {
					fmt.Printf("%-12s | Amount: %12s | Score: %.3f | %-8s | Blocked: %v\n",
						r.Request.CustomerID,
						rec.Amount.StringFixed(2),
						rec.FraudScore,
						rec.RiskLevel,
						rec.IsBlocked,
					)
				}
			}
		}()
	}

	for _, r := range rows {
		work <- r
	}
	close(work)
	wg.Wait()

	return report
}

func submit(client *http.Client, baseURL string, r row) (*domain.TransactionRecord, error) {
	body, err := json.Marshal(r.Request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Request.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.Request.IdempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var rec domain.TransactionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
