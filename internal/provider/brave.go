package provider

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// braveCostPerRequest is the nominal per-call cost of the Brave search API
// on the metered plan, used for budget accounting.
const braveCostPerRequest = 0.005

// Sentinel errors for Brave API failure classes.
var (
	ErrAPIKeyMissing    = errors.New("provider: brave API key missing")
	ErrAPIUnauthorized  = errors.New("provider: brave API unauthorized")
	ErrAPIQuotaExceeded = errors.New("provider: brave API quota exceeded")
	ErrAPIRateLimit     = errors.New("provider: brave API rate limited")
	ErrAPIServerError   = errors.New("provider: brave API server error")
)

// BraveConfig configures the Brave search provider.
type BraveConfig struct {
	APIKey         string
	Endpoint       string
	DefaultResults int
	MaxResults     int
}

// BraveSearch calls the Brave Search web API.
type BraveSearch struct {
	statsTracker
	cfg    BraveConfig
	http   *http.Client
	logger *zap.Logger

	rateRemaining atomic.Int64
}

// braveAPIResponse mirrors the relevant slice of the Brave wire format.
type braveAPIResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Published   string `json:"published,omitempty"`
		} `json:"results"`
	} `json:"web"`
	Query struct {
		Original string `json:"original"`
		Altered  string `json:"altered,omitempty"`
	} `json:"query"`
}

// NewBraveSearch creates the Brave provider. The API key is required.
func NewBraveSearch(cfg BraveConfig, logger *zap.Logger) (*BraveSearch, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	if cfg.DefaultResults == 0 {
		cfg.DefaultResults = 5
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 10
	}

	b := &BraveSearch{
		statsTracker: statsTracker{name: "brave_search"},
		cfg:          cfg,
		logger:       logger,
		http:         &http.Client{},
	}
	b.rateRemaining.Store(-1) // unknown until first call
	return b, nil
}

// Name implements Provider.
func (b *BraveSearch) Name() string { return "brave_search" }

// Initialize implements Provider. The Brave API needs no session setup.
func (b *BraveSearch) Initialize(ctx context.Context) error { return nil }

// Close implements Provider.
func (b *BraveSearch) Close() { b.http.CloseIdleConnections() }

// IsAvailable implements Provider.
func (b *BraveSearch) IsAvailable() bool {
	if b.cfg.APIKey == "" {
		return false
	}
	return b.rateRemaining.Load() != 0
}

// CostPerRequest implements Provider.
func (b *BraveSearch) CostPerRequest() float64 { return braveCostPerRequest }

// RateLimitRemaining implements Provider. Returns -1 before the first call.
func (b *BraveSearch) RateLimitRemaining() int { return int(b.rateRemaining.Load()) }

// Stats implements Provider.
func (b *BraveSearch) Stats() Stats { return b.snapshot() }

// Search performs one web search. The caller's ctx deadline bounds the call.
func (b *BraveSearch) Search(ctx context.Context, query string, opts SearchOptions) (*Result, error) {
	start := time.Now()

	count := opts.Count
	if count <= 0 {
		count = b.cfg.DefaultResults
	}
	if count > b.cfg.MaxResults {
		count = b.cfg.MaxResults
	}

	results, err := b.performSearch(ctx, query, count, opts)
	latency := time.Since(start)

	cost := braveCostPerRequest
	if err != nil {
		cost = 0 // failed calls are not billed
	}
	b.recordCall(latency, cost, err)

	if err != nil {
		return &Result{Success: false, Error: err.Error(), Latency: latency}, err
	}
	return &Result{
		Success:      true,
		Results:      results,
		CostIncurred: cost,
		Latency:      latency,
	}, nil
}

func (b *BraveSearch) performSearch(ctx context.Context, query string, count int, opts SearchOptions) ([]SearchResult, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("count", strconv.Itoa(count))
	if opts.Country != "" {
		params.Add("country", opts.Country)
	}
	if opts.Language != "" {
		params.Add("search_lang", opts.Language)
	}
	if opts.Freshness != "" {
		params.Add("freshness", opts.Freshness)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Subscription-Token", b.cfg.APIKey)
	req.Header.Set("User-Agent", "Prism/1.0")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, &Error{Code: "network_error", Message: "brave search request failed", Err: err}
	}
	defer resp.Body.Close()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			b.rateRemaining.Store(int64(n))
		}
	}

	if err := checkBraveStatus(resp); err != nil {
		return nil, err
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("provider: decompressing brave response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("provider: reading brave response: %w", err)
	}

	var apiResp braveAPIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("provider: parsing brave response: %w", err)
	}

	results := make([]SearchResult, len(apiResp.Web.Results))
	for i, r := range apiResp.Web.Results {
		results[i] = SearchResult{
			Title:          r.Title,
			URL:            r.URL,
			Snippet:        r.Description,
			Source:         "brave_search",
			RelevanceScore: relevanceForRank(i),
			ContentQuality: "basic",
			Metadata: map[string]any{
				"published": r.Published,
				"rank":      i,
			},
		}
	}
	return results, nil
}

func checkBraveStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrAPIUnauthorized
	case http.StatusPaymentRequired:
		return ErrAPIQuotaExceeded
	case http.StatusTooManyRequests:
		return ErrAPIRateLimit
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrAPIServerError
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider: brave API status %d: %s", resp.StatusCode, string(body))
	}
}

// relevanceForRank maps result rank to a monotonically decreasing relevance
// score in (0,1]. The API returns results pre-ranked.
func relevanceForRank(rank int) float64 {
	score := 1.0 - float64(rank)*0.1
	if score < 0.1 {
		score = 0.1
	}
	return score
}
