// Package legacy is the HTTP client for the legacy platform's data and
// workflow APIs.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize       = 100
	defaultMaxAttempts    = 4
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultTimeout        = 30 * time.Second
	defaultUserAgent      = "fieldsync"
	maxErrorBody          = 4096
)

// Record is a legacy record as returned by the data API, keyed by legacy
// field names.
type Record map[string]any

// ID returns the legacy identifier.
func (r Record) ID() string {
	id, _ := r[mapping.LegacyIDField].(string)
	return id
}

// Config holds client settings.
type Config struct {
	BaseURL           string
	APIToken          string
	PageSize          int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// RequestInfo describes one HTTP attempt, for metrics hooks.
type RequestInfo struct {
	Method   string
	Kind     string // "obj" or "wf"
	Status   int
	Attempt  int
	Duration time.Duration
	Err      error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestHook registers a callback invoked after every attempt.
func WithRequestHook(fn func(RequestInfo)) Option {
	return func(c *Client) { c.hook = fn }
}

// Client talks to the legacy platform. It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	hook    func(RequestInfo)
	log     *logging.Entry
}

// Page is one page of a list call.
type Page struct {
	Records   []Record
	Cursor    int
	Next      int
	Remaining int
	Count     int
}

type listEnvelope struct {
	Response struct {
		Cursor    int      `json:"cursor"`
		Results   []Record `json:"results"`
		Count     int      `json:"count"`
		Remaining int      `json:"remaining"`
	} `json:"response"`
}

type objectEnvelope struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	Response Record `json:"response"`
}

// New creates a client. Zero-valued settings get defaults.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("legacy base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid legacy base URL: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	c := &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logging.With("component", "legacy"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PageSize returns the page size used for list calls.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

func objPath(legacyType string, id ...string) string {
	p := "/obj/" + url.PathEscape(mapping.PathSegment(legacyType))
	if len(id) > 0 {
		p += "/" + url.PathEscape(id[0])
	}
	return p
}

// List fetches one page of legacyType starting at cursor.
func (c *Client) List(ctx context.Context, legacyType string, constraints []Constraint, cursor int) (*Page, error) {
	q := url.Values{}
	q.Set("cursor", strconv.Itoa(cursor))
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("sort_field", "Created Date")
	encoded, err := encodeConstraints(constraints)
	if err != nil {
		return nil, fmt.Errorf("encoding constraints: %w", err)
	}
	if encoded != "" {
		q.Set("constraints", encoded)
	}

	body, err := c.do(ctx, http.MethodGet, "obj", objPath(legacyType), q, nil)
	if err != nil {
		return nil, err
	}

	var env listEnvelope
	if err := decode(body, &env); err != nil {
		return nil, fmt.Errorf("decoding %s page at cursor %d: %w", legacyType, cursor, err)
	}
	return &Page{
		Records:   env.Response.Results,
		Cursor:    env.Response.Cursor,
		Next:      cursor + len(env.Response.Results),
		Remaining: env.Response.Remaining,
		Count:     env.Response.Count,
	}, nil
}

// ListAll pages through legacyType, calling fn for every record, until a
// page comes back with fewer records than the page size.
func (c *Client) ListAll(ctx context.Context, legacyType string, constraints []Constraint, fn func(Record) error) error {
	cursor := 0
	for {
		page, err := c.List(ctx, legacyType, constraints, cursor)
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page.Records) < c.cfg.PageSize {
			return nil
		}
		cursor = page.Next
	}
}

// Get fetches one record. A missing record yields ErrNotFound.
func (c *Client) Get(ctx context.Context, legacyType, id string) (Record, error) {
	body, err := c.do(ctx, http.MethodGet, "obj", objPath(legacyType, id), nil, nil)
	if err != nil {
		return nil, err
	}
	var env objectEnvelope
	if err := decode(body, &env); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", legacyType, id, err)
	}
	if env.Response == nil {
		return nil, ErrNotFound
	}
	return env.Response, nil
}

// Create inserts a record and returns its legacy identifier.
func (c *Client) Create(ctx context.Context, legacyType string, fields map[string]any) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "obj", objPath(legacyType), nil, fields)
	if err != nil {
		return "", err
	}
	var env objectEnvelope
	if err := decode(body, &env); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	if env.ID == "" {
		return "", fmt.Errorf("create %s: response carried no id", legacyType)
	}
	return env.ID, nil
}

// Update patches the given fields of one record.
func (c *Client) Update(ctx context.Context, legacyType, id string, fields map[string]any) error {
	_, err := c.do(ctx, http.MethodPatch, "obj", objPath(legacyType, id), nil, fields)
	return err
}

// InvokeWorkflow runs a named backend workflow and returns its response.
func (c *Client) InvokeWorkflow(ctx context.Context, name string, payload map[string]any) (Record, error) {
	body, err := c.do(ctx, http.MethodPost, "wf", "/wf/"+url.PathEscape(name), nil, payload)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Record{}, nil
	}
	var env objectEnvelope
	if err := decode(body, &env); err != nil {
		return nil, fmt.Errorf("decoding workflow %s response: %w", name, err)
	}
	if env.Response == nil {
		return Record{}, nil
	}
	return env.Response, nil
}

// Ping checks that the platform is reachable and accepts the token.
func (c *Client) Ping(ctx context.Context, legacyType string) error {
	q := url.Values{}
	q.Set("limit", "1")
	_, err := c.do(ctx, http.MethodGet, "obj", objPath(legacyType), q, nil)
	return err
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// do performs a request with retry. Network errors, 429 and 5xx are retried
// with exponential backoff; anything else is returned as is.
func (c *Client) do(ctx context.Context, method, kind, path string, query url.Values, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = data
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, retryAfter, err := c.attempt(ctx, method, kind, target, path, reqBody, attempt)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		if retryAfter > 0 {
			delay = min(retryAfter, c.cfg.MaxBackoff)
		}
		c.log.Warn("%s %s attempt %d/%d failed, retrying in %s: %v",
			method, path, attempt, c.cfg.MaxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, &RetryError{Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, method, kind, target, path string, reqBody []byte, attempt int) ([]byte, time.Duration, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	info := RequestInfo{Method: method, Kind: kind, Attempt: attempt}
	if err != nil {
		info.Duration = time.Since(start)
		info.Err = err
		c.report(info)
		return nil, 0, fmt.Errorf("legacy %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	info.Duration = time.Since(start)
	info.Status = resp.StatusCode
	if err != nil {
		info.Err = err
		c.report(info)
		return nil, 0, fmt.Errorf("reading legacy response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.report(info)
		return body, 0, nil
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	info.Err = apiErr
	c.report(info)
	return nil, parseRetryAfter(resp.Header.Get("Retry-After")), apiErr
}

func (c *Client) report(info RequestInfo) {
	if c.hook != nil {
		c.hook(info)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
