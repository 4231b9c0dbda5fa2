package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func braveHandler(t *testing.T, results []map[string]string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Subscription-Token"))
		assert.NotEmpty(t, r.URL.Query().Get("q"))

		w.Header().Set("X-RateLimit-Remaining", "42")
		body := map[string]any{
			"web":   map[string]any{"results": results},
			"query": map[string]any{"original": r.URL.Query().Get("q")},
		}
		json.NewEncoder(w).Encode(body)
	})
}

func newBrave(t *testing.T, handler http.Handler) *BraveSearch {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	b, err := NewBraveSearch(BraveConfig{
		APIKey:   "test-key",
		Endpoint: ts.URL,
	}, zap.NewNop())
	require.NoError(t, err)
	return b
}

func TestBraveRequiresAPIKey(t *testing.T) {
	_, err := NewBraveSearch(BraveConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrAPIKeyMissing)
}

func TestBraveSearchParsesResults(t *testing.T) {
	b := newBrave(t, braveHandler(t, []map[string]string{
		{"title": "Go", "url": "https://go.dev", "description": "the Go language"},
		{"title": "Docs", "url": "https://go.dev/doc", "description": "documentation"},
	}))

	res, err := b.Search(context.Background(), "golang", SearchOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Results, 2)

	first := res.Results[0]
	assert.Equal(t, "Go", first.Title)
	assert.Equal(t, "https://go.dev", first.URL)
	assert.Equal(t, "the Go language", first.Snippet)
	assert.Equal(t, "brave_search", first.Source)
	assert.Equal(t, "basic", first.ContentQuality)
	assert.Greater(t, first.RelevanceScore, res.Results[1].RelevanceScore,
		"relevance decreases with rank")

	assert.InDelta(t, braveCostPerRequest, res.CostIncurred, 1e-9)
	assert.Equal(t, 42, b.RateLimitRemaining())
}

func TestBraveSearchStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAPIUnauthorized},
		{http.StatusPaymentRequired, ErrAPIQuotaExceeded},
		{http.StatusTooManyRequests, ErrAPIRateLimit},
		{http.StatusInternalServerError, ErrAPIServerError},
	}
	for _, tt := range tests {
		b := newBrave(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		res, err := b.Search(context.Background(), "q", SearchOptions{})
		assert.ErrorIs(t, err, tt.want)
		assert.False(t, res.Success)
		assert.Zero(t, res.CostIncurred, "failed calls are not billed")
	}
}

func TestBraveSearchCapsResultCount(t *testing.T) {
	var gotCount string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCount = r.URL.Query().Get("count")
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	t.Cleanup(ts.Close)

	b, err := NewBraveSearch(BraveConfig{APIKey: "k", Endpoint: ts.URL, MaxResults: 10}, zap.NewNop())
	require.NoError(t, err)

	_, err = b.Search(context.Background(), "q", SearchOptions{Count: 50})
	require.NoError(t, err)
	assert.Equal(t, "10", gotCount)
}

func TestBraveStatsAccumulate(t *testing.T) {
	b := newBrave(t, braveHandler(t, nil))

	_, err := b.Search(context.Background(), "one", SearchOptions{})
	require.NoError(t, err)
	_, err = b.Search(context.Background(), "two", SearchOptions{})
	require.NoError(t, err)

	s := b.Stats()
	assert.Equal(t, int64(2), s.Calls)
	assert.Zero(t, s.Errors)
	assert.InDelta(t, 2*braveCostPerRequest, s.TotalCost, 1e-9)
}

type callRecorder struct {
	outcomes []string
}

func (r *callRecorder) ObserveProvider(provider string, success bool) {
	r.outcomes = append(r.outcomes, fmt.Sprintf("%s=%t", provider, success))
}

func TestProvidersReportCallOutcomes(t *testing.T) {
	rec := &callRecorder{}

	b := newBrave(t, braveHandler(t, nil))
	b.SetObserver(rec)
	_, err := b.Search(context.Background(), "q", SearchOptions{})
	require.NoError(t, err)

	p, url := newScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	p.SetObserver(rec)
	_, err = p.Scrape(context.Background(), url, ScrapeOptions{})
	require.Error(t, err)

	assert.Equal(t, []string{"brave_search=true", "page_scraper=false"}, rec.outcomes)
}

const samplePage = `<!DOCTYPE html>
<html><head><title>t</title><style>p{color:red}</style></head>
<body>
<nav>Home | About | Contact navigation strip for the site</nav>
<article>
<h1>The history of the metric system in revolutionary France</h1>
<p>The metric system was introduced in France during the revolution as a
decimal system of measurement intended to unify the country's many units.</p>
<p>short</p>
<p>Adoption spread through Europe over the nineteenth century as trade and
science standardized on decimal units of measure.</p>
</article>
<footer>Copyright footer text that should never appear in extracts</footer>
<script>console.log("ignored")</script>
</body></html>`

func newScraper(t *testing.T, handler http.Handler) (*PageScraper, string) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewPageScraper(5*time.Second, zap.NewNop()), ts.URL
}

func TestScrapeExtractsArticleText(t *testing.T) {
	p, url := newScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(samplePage))
	}))

	res, err := p.Scrape(context.Background(), url, ScrapeOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Contains(t, res.Content, "metric system was introduced")
	assert.Contains(t, res.Content, "Adoption spread through Europe")
	assert.NotContains(t, res.Content, "navigation strip")
	assert.NotContains(t, res.Content, "Copyright footer")
	assert.NotContains(t, res.Content, "console.log")
	assert.NotContains(t, res.Content, "short", "boilerplate fragments are skipped")
	assert.InDelta(t, scrapeCostPerRequest, res.CostIncurred, 1e-9)
}

func TestScrapeCapsContentSize(t *testing.T) {
	long := "<html><body><article><p>" +
		strings.Repeat("word ", 2000) +
		"</p></article></body></html>"
	p, url := newScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(long))
	}))

	res, err := p.Scrape(context.Background(), url, ScrapeOptions{MaxContentBytes: 100})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Content), 100)
	assert.False(t, strings.HasSuffix(res.Content, " "), "trimmed at a word boundary")
}

func TestScrapeRejectsNonHTML(t *testing.T) {
	p, url := newScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))

	res, err := p.Scrape(context.Background(), url, ScrapeOptions{})
	require.Error(t, err)
	assert.False(t, res.Success)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "unsupported_content", perr.Code)
}

func TestScrapeReportsHTTPFailure(t *testing.T) {
	p, url := newScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := p.Scrape(context.Background(), url, ScrapeOptions{})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fetch_failed", perr.Code)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Calls)
	assert.Equal(t, int64(1), s.Errors)
}
