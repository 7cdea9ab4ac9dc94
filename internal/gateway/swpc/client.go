// Package swpc fetches raw JSON products from the NOAA SWPC / NASA DONKI
// endpoints listed in the feed catalog.
package swpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"spacewx/internal/logger"
	"spacewx/internal/pkg/circuit"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "spacewx/1.0"
	maxBodyBytes     = 16 << 20
)

// ErrCircuitOpen 表示该 feed 熔断中，本次未发起请求。
var ErrCircuitOpen = errors.New("circuit open")

// NetworkError 覆盖非 2xx、传输失败、超时与熔断。
type NetworkError struct {
	FeedID string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString("fetch ")
	if e.FeedID != "" {
		b.WriteString(e.FeedID)
		b.WriteString(" ")
	}
	b.WriteString(e.URL)
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

type Request struct {
	FeedID      string
	URL         string
	BearerToken string
	APIKey      string
}

type Options struct {
	Timeout          time.Duration
	UserAgent        string
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client 无状态地拉取上游，唯一的状态是每个 feed 的熔断器。
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*circuit.CircuitBreaker
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		http:      hc,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		threshold: opts.BreakerThreshold,
		cooldown:  opts.BreakerCooldown,
		breakers:  make(map[string]*circuit.CircuitBreaker),
	}
}

// Fetch 发起一次 GET 并返回原始响应体。所有失败均为 *NetworkError。
func (c *Client) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if c == nil {
		return nil, &NetworkError{FeedID: req.FeedID, URL: req.URL, Err: fmt.Errorf("swpc client not initialized")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	target, display, err := buildURL(req.URL, req.APIKey)
	if err != nil {
		return nil, &NetworkError{FeedID: req.FeedID, URL: display, Err: err}
	}
	cb := c.breaker(req.FeedID)
	if cb != nil && !cb.Allow() {
		return nil, &NetworkError{FeedID: req.FeedID, URL: display, Err: ErrCircuitOpen}
	}

	body, status, err := c.do(ctx, target, req.BearerToken)
	if err != nil {
		nerr := &NetworkError{FeedID: req.FeedID, URL: display, Status: status, Err: err}
		if cb != nil {
			cb.RecordFailure()
		}
		logger.LogUpstreamError(req.FeedID, display, nerr)
		return nil, nerr
	}
	if cb != nil {
		cb.RecordSuccess()
	}
	logger.LogUpstreamResponse(req.FeedID, display, status, body)
	return body, nil
}

func (c *Client) do(ctx context.Context, target, bearer string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Cache-Control", "no-store")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if token := strings.TrimSpace(bearer); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// BreakerStates 返回各 feed 的熔断状态；未请求过的 feed 不出现。
func (c *Client) BreakerStates() map[string]string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.breakers))
	for id, cb := range c.breakers {
		out[id] = cb.State().String()
	}
	return out
}

func (c *Client) breaker(feedID string) *circuit.CircuitBreaker {
	if c.threshold <= 0 || c.cooldown <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[feedID]
	if !ok {
		cb = circuit.NewCircuitBreaker("swpc:"+feedID, c.threshold, c.cooldown)
		c.breakers[feedID] = cb
	}
	return cb
}

// buildURL 追加 api_key 参数；第二个返回值为脱敏后的 URL，用于日志与错误。
func buildURL(raw, apiKey string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", raw, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", raw, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		q := u.Query()
		q.Set("api_key", key)
		u.RawQuery = q.Encode()
	}
	masked := *u
	if q := masked.Query(); q.Has("api_key") {
		q.Set("api_key", "***")
		masked.RawQuery = q.Encode()
	}
	return u.String(), masked.String(), nil
}
