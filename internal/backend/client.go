// Package backend implements the HTTP client for a local inference daemon.
// One Client instance talks to one daemon endpoint. Retries with jittered
// exponential backoff stay inside this package; graph nodes never retry.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// modelListTTL bounds how long a ListModels response is served from memory.
const modelListTTL = 60 * time.Second

// ModelDescriptor is static metadata for one model hosted by the daemon.
type ModelDescriptor struct {
	Name            string   `json:"name"`
	Tier            string   `json:"tier"` // "t0", "t1", "t2"
	MemoryFootprint int64    `json:"memory_footprint"`
	CapabilityTags  []string `json:"capability_tags,omitempty"`
	BaseCost        float64  `json:"base_cost"`
}

// GenerationResult is the outcome of a single generate call.
type GenerationResult struct {
	Success         bool          `json:"success"`
	Text            string        `json:"text"`
	TokensGenerated int           `json:"tokens_generated"`
	EvalCount       int           `json:"eval_count"`
	TotalDuration   time.Duration `json:"total_duration"`
	Error           string        `json:"error,omitempty"`
}

// GenerateOptions tunes a single generation request.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Config holds client settings.
type Config struct {
	Host           string
	MaxRetries     int
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
}

// Client talks to one local inference daemon over HTTP.
type Client struct {
	host   string
	http   *http.Client
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	cachedList  []ModelDescriptor
	cachedAt    time.Time
	initialized bool
}

// NewClient creates a client for the daemon at cfg.Host.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	return &Client{
		host:   cfg.Host,
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Initialize verifies the daemon is reachable.
func (c *Client) Initialize(ctx context.Context) error {
	if !c.Health(ctx) {
		return fmt.Errorf("%w: %s", ErrUnavailable, c.host)
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Health probes the daemon with a bounded GET.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"models"`
}

// ListModels returns the models hosted by the daemon. Responses are cached
// for up to a minute.
func (c *Client) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	c.mu.Lock()
	if c.cachedList != nil && time.Since(c.cachedAt) < modelListTTL {
		list := c.cachedList
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()

	body, err := c.doWithRetry(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("backend: decoding model list: %w", err)
	}

	descriptors := make([]ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		descriptors = append(descriptors, ModelDescriptor{
			Name:            m.Name,
			Tier:            tierForSize(m.Size),
			MemoryFootprint: m.Size,
			BaseCost:        baseCostForSize(m.Size),
		})
	}

	c.mu.Lock()
	c.cachedList = descriptors
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return descriptors, nil
}

// LoadModel asks the daemon to pull a model into memory. The daemon treats an
// empty prompt as a load request.
func (c *Client) LoadModel(ctx context.Context, model string) error {
	payload := map[string]any{"model": model, "prompt": "", "stream": false}
	raw, _ := json.Marshal(payload)
	_, err := c.doWithRetry(ctx, http.MethodPost, "/api/generate", raw)
	return err
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	EvalCount     int    `json:"eval_count"`
	TotalDuration int64  `json:"total_duration"`
	Error         string `json:"error,omitempty"`
}

// Generate runs a completion against the given model. The per-call deadline
// comes from ctx; when it expires the in-flight transport call is cancelled
// and a timeout error returned. A successful daemon response with empty text
// is reported as ErrEmptyGeneration.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*GenerationResult, error) {
	options := map[string]any{}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if len(opts.Stop) > 0 {
		options["stop"] = opts.Stop
	}

	raw, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.doWithRetry(ctx, http.MethodPost, "/api/generate", raw)
	if err != nil {
		return &GenerationResult{Success: false, Error: err.Error()}, err
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("backend: decoding generation: %w", err)
	}
	if gen.Error != "" {
		return &GenerationResult{Success: false, Error: gen.Error},
			fmt.Errorf("backend: daemon error: %s", gen.Error)
	}
	if gen.Response == "" {
		// Recurring daemon failure mode: HTTP 200 with no content.
		return &GenerationResult{Success: false, Error: ErrEmptyGeneration.Error()}, ErrEmptyGeneration
	}

	duration := time.Duration(gen.TotalDuration)
	if duration == 0 {
		duration = time.Since(start)
	}

	return &GenerationResult{
		Success:         true,
		Text:            gen.Response,
		TokensGenerated: gen.EvalCount,
		EvalCount:       gen.EvalCount,
		TotalDuration:   duration,
	}, nil
}

// doWithRetry issues one HTTP call with jittered exponential backoff on
// transport errors and retryable server codes. 4xx semantic rejections are
// returned immediately.
func (c *Client) doWithRetry(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries-1)), ctx)

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("backend transport error",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusOK {
			body = data
			return nil
		}
		callErr := statusError(resp.StatusCode, data)
		if !retryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("backend: call timed out after %s: %w", c.cfg.RequestTimeout, ctx.Err())
		}
		return nil, err
	}
	return body, nil
}

// tierForSize buckets a model into a capability tier by its on-disk size.
// Small models (T0) stay resident; mid models (T1) are warm-preferred; large
// models (T2) load on demand.
func tierForSize(size int64) string {
	const gb = 1 << 30
	switch {
	case size < 3*gb:
		return "t0"
	case size < 10*gb:
		return "t1"
	default:
		return "t2"
	}
}

// baseCostForSize derives a nominal per-call cost from the model footprint.
// Local inference has no metered price; the figure feeds budget accounting
// so larger models are charged proportionally.
func baseCostForSize(size int64) float64 {
	const gb = 1 << 30
	gbs := float64(size) / float64(gb)
	cost := 0.001 + gbs*0.0015
	if cost > 0.05 {
		cost = 0.05
	}
	return cost
}
