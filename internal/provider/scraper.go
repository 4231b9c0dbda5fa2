package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// scrapeCostPerRequest is the nominal per-page cost for content enhancement.
const scrapeCostPerRequest = 0.002

// defaultMaxContentBytes caps extracted page text so a single huge page
// cannot blow up prompt sizes downstream.
const defaultMaxContentBytes = 16 * 1024

// PageScraper fetches a URL and extracts readable text content.
type PageScraper struct {
	statsTracker
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewPageScraper creates the scrape provider.
func NewPageScraper(timeout time.Duration, logger *zap.Logger) *PageScraper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PageScraper{
		statsTracker: statsTracker{name: "page_scraper"},
		timeout:      timeout,
		logger:       logger,
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// Name implements Provider.
func (p *PageScraper) Name() string { return "page_scraper" }

// Initialize implements Provider.
func (p *PageScraper) Initialize(ctx context.Context) error { return nil }

// Close implements Provider.
func (p *PageScraper) Close() { p.http.CloseIdleConnections() }

// IsAvailable implements Provider. The scraper has no upstream dependency.
func (p *PageScraper) IsAvailable() bool { return true }

// CostPerRequest implements Provider.
func (p *PageScraper) CostPerRequest() float64 { return scrapeCostPerRequest }

// RateLimitRemaining implements Provider. The scraper is not rate limited.
func (p *PageScraper) RateLimitRemaining() int { return -1 }

// Stats implements Provider.
func (p *PageScraper) Stats() Stats { return p.snapshot() }

// Scrape fetches a page and returns its readable text.
func (p *PageScraper) Scrape(ctx context.Context, pageURL string, opts ScrapeOptions) (*Result, error) {
	start := time.Now()

	content, err := p.fetch(ctx, pageURL, opts)
	latency := time.Since(start)

	cost := scrapeCostPerRequest
	if err != nil {
		cost = 0
	}
	p.recordCall(latency, cost, err)

	if err != nil {
		return &Result{Success: false, Error: err.Error(), Latency: latency}, err
	}
	return &Result{
		Success:      true,
		Content:      content,
		CostIncurred: cost,
		Latency:      latency,
	}, nil
}

func (p *PageScraper) fetch(ctx context.Context, pageURL string, opts ScrapeOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &Error{Code: "invalid_url", Message: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", "Prism/1.0 (content enhancement)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &Error{Code: "fetch_failed", Message: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Code:    "fetch_failed",
			Message: fmt.Sprintf("%s returned HTTP %d", pageURL, resp.StatusCode),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return "", &Error{Code: "unsupported_content", Message: contentType}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", &Error{Code: "parse_failed", Message: pageURL, Err: err}
	}

	maxBytes := opts.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxContentBytes
	}
	return extractReadableText(doc, maxBytes), nil
}

// extractReadableText pulls the main textual content out of a parsed page,
// preferring semantic containers and falling back to paragraph text.
func extractReadableText(doc *goquery.Document, maxBytes int) string {
	doc.Find("script, style, nav, header, footer, aside, noscript, iframe").Remove()

	var builder strings.Builder

	appendText := func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if len(text) < 40 {
			return // skip boilerplate fragments
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(text)
	}

	// Prefer semantic main-content containers.
	main := doc.Find("article, main, [role=main]")
	if main.Length() > 0 {
		main.Find("p, h1, h2, h3, li").Each(appendText)
	}
	if builder.Len() == 0 {
		doc.Find("p").Each(appendText)
	}

	text := builder.String()
	if len(text) > maxBytes {
		text = text[:maxBytes]
		// Trim to the last whole word so prompts do not end mid-rune.
		if idx := strings.LastIndexByte(text, ' '); idx > 0 {
			text = text[:idx]
		}
	}
	return text
}
