// The agent collects from the upstream portal on a remote network and
// pushes the yield to the central ingest endpoint. It runs one sweep and
// exits: 0 on success, 1 on configuration error or push failure.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/ratelimit"
	"github.com/jclee-lab/blacklist-sub001/internal/regtech"
)

const (
	defaultBaseURL = "https://regtech.fsec.or.kr"
	collectTimeout = 30 * time.Minute
	pushTimeout    = 60 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var (
		central   = flag.String("central", os.Getenv("CENTRAL_URL"), "central server base URL")
		apiKey    = flag.String("api-key", os.Getenv("COLLECTION_API_KEY"), "ingest shared secret")
		startDate = flag.String("start", "", "collection start date (YYYY-MM-DD)")
		endDate   = flag.String("end", "", "collection end date (YYYY-MM-DD)")
		maxPages  = flag.Int("max-pages", 50, "page cap for this sweep")
		pageSize  = flag.Int("page-size", 100, "rows per page")
	)
	flag.Parse()

	username := os.Getenv("REGTECH_USERNAME")
	password := os.Getenv("REGTECH_PASSWORD")
	baseURL := os.Getenv("REGTECH_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	if *central == "" || *apiKey == "" || username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "agent: CENTRAL_URL, COLLECTION_API_KEY, REGTECH_USERNAME and REGTECH_PASSWORD are required")
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	client := regtech.NewClient(baseURL, username, password, limiter)
	collector := regtech.NewCollector(client, limiter, *pageSize, *maxPages)

	if err := collector.Authenticate(ctx); err != nil {
		slog.Error("portal authentication failed", "logger", "agent", "error", err)
		return 1
	}

	records, err := collector.Collect(ctx, core.CollectRange{
		StartDate: *startDate,
		EndDate:   *endDate,
		MaxPages:  *maxPages,
	})
	if err != nil {
		slog.Error("collection failed", "logger", "agent", "error", err)
		return 1
	}
	slog.Info("collection finished", "logger", "agent", "records", len(records))

	stats, err := push(*central, *apiKey, records)
	if err != nil {
		slog.Error("push to central failed", "logger", "agent", "error", err)
		return 1
	}
	slog.Info("push accepted", "logger", "agent",
		"inserted", stats.Inserted, "updated", stats.Updated,
		"errors", stats.Errors, "total", stats.Total)
	return 0
}

// push posts the sweep to the central ingest endpoint.
func push(central, apiKey string, records []core.ParsedRecord) (*core.IngestStats, error) {
	items := make([]core.IngestItem, 0, len(records))
	for _, rec := range records {
		items = append(items, toIngestItem(rec))
	}

	body, err := json.Marshal(core.IngestRequest{
		ServiceName:    regtech.SourceName,
		Items:          items,
		CollectionDate: time.Now().Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("encode ingest request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, central+"/api/collection/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	httpClient := &http.Client{Timeout: pushTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post ingest: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("central answered %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var parsed struct {
		Success bool             `json:"success"`
		Stats   core.IngestStats `json:"stats"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode ingest response: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("central rejected the batch")
	}
	return &parsed.Stats, nil
}

func toIngestItem(rec core.ParsedRecord) core.IngestItem {
	item := core.IngestItem{
		IPAddress:   rec.IPAddress,
		Source:      rec.Source,
		CountryCode: rec.Country,
		Description: rec.Reason,
		Severity:    rec.Confidence,
		Metadata:    rec.Raw,
	}
	if rec.DetectionDate != nil {
		item.FirstSeen = rec.DetectionDate.Format("2006-01-02")
	}
	if rec.RemovalDate != nil {
		if item.Metadata == nil {
			item.Metadata = map[string]interface{}{}
		}
		item.Metadata["removal_date"] = rec.RemovalDate.Format("2006-01-02")
	}
	return item
}
