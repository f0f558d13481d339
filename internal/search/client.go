// Package search is the client for the external deep-search provider, which
// fronts both the patents corpus and general web search.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL            = "https://api.valyu.network/v1"
	searchPath                = "/deepsearch"
	DefaultRateLimitPerMinute = 60
	maxAttempts               = 3
)

// Corpus selects which index the provider searches.
type Corpus string

const (
	CorpusPatents Corpus = "patents"
	CorpusWeb     Corpus = "web"
)

type Config struct {
	APIKey             string
	BaseURL            string
	RateLimitPerMinute int
	RetryBaseDelay     time.Duration
	HTTPClient         *http.Client
}

type Client struct {
	cfg       Config
	limiter   *time.Ticker
	limiterMu sync.Mutex
}

func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("SEARCH_API_KEY not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 1 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	interval := time.Minute / time.Duration(cfg.RateLimitPerMinute)
	return &Client{cfg: cfg, limiter: time.NewTicker(interval)}, nil
}

// Close stops the rate-limit ticker. The client must not be used after.
func (c *Client) Close() {
	c.limiter.Stop()
}

type Request struct {
	Query      string `json:"query"`
	Corpus     Corpus `json:"search_type"`
	MaxResults int    `json:"max_num_results"`
}

// Result is one provider hit. Content carries the full document text for
// patent hits and a snippet for web hits.
type Result struct {
	Title          string         `json:"title"`
	URL            string         `json:"url"`
	Content        string         `json:"content"`
	Source         string         `json:"source,omitempty"`
	RelevanceScore float64        `json:"relevance_score,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type Response struct {
	Results []Result `json:"results"`
}

type apiEnvelope struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Results []Result `json:"results"`
}

func (c *Client) Search(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Response{}, errors.New("query is required")
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 10
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return Response{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, code, retryAfter, err := c.executeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Client-side errors are final; retry only throttles and server faults.
		if code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden {
			return Response{}, err
		}
		if attempt == maxAttempts {
			break
		}
		sleep := retryAfter
		if sleep <= 0 {
			sleep = c.cfg.RetryBaseDelay * time.Duration(attempt)
		}
		log.Printf("search retry attempt=%d corpus=%s status=%d err=%v", attempt, req.Corpus, code, err)
		if err := sleepCtx(ctx, sleep); err != nil {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter.C:
		return nil
	}
}

func (c *Client) executeOnce(ctx context.Context, sr Request) (Response, int, time.Duration, error) {
	payload, _ := json.Marshal(sr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+searchPath, bytes.NewReader(payload))
	if err != nil {
		return Response{}, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Response{}, 0, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 8<<20))

	retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
	if res.StatusCode >= 400 {
		return Response{}, res.StatusCode, retryAfter, fmt.Errorf("status code: %d body=%s", res.StatusCode, truncateBody(b))
	}

	var parsed apiEnvelope
	if err := json.Unmarshal(b, &parsed); err != nil {
		return Response{}, res.StatusCode, retryAfter, err
	}
	if parsed.Error != "" {
		// The provider answered; retrying the same query will not help.
		return Response{}, http.StatusBadRequest, retryAfter, fmt.Errorf("provider error: %s", parsed.Error)
	}
	return Response{Results: parsed.Results}, res.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncateBody(b []byte) string {
	const n = 512
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
