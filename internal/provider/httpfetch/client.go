// Package httpfetch is the outbound HTTP client shared by the data sources.
//
// Each host gets its own circuit breaker so a dead shop does not slow down
// every tick, and batch fetches run with bounded parallelism.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"watchbot/internal/metrics"
	logx "watchbot/pkg/logx"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) watchbot/1.0"
	DefaultConcurrency  = 4
	DefaultMaxBodyBytes = 4 << 20
)

type Config struct {
	Timeout      time.Duration
	UserAgent    string
	Concurrency  int
	MaxBodyBytes int64

	// BreakerFailures consecutive failures open a host's breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// ErrBreakerOpen wraps gobreaker's open/half-open rejections.
var ErrBreakerOpen = errors.New("circuit breaker open")

type Client struct {
	cfg     Config
	http    *http.Client
	log     logx.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log.With(logx.String("comp", "httpfetch")),
		metrics:  m,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				logx.String("host", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	c.breakers[host] = cb
	return cb
}

// Do sends req through the host's breaker and returns the response body.
// Non-2xx responses are *StatusError and count as breaker failures.
func (c *Client) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	host := req.URL.Hostname()

	out, err := c.breaker(host).Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
		}
		return body, nil
	})

	switch {
	case err == nil:
		c.metrics.HTTPFetch(host, "ok")
		return out.([]byte), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.HTTPFetch(host, "breaker_open")
		return nil, fmt.Errorf("%s: %w", host, ErrBreakerOpen)
	default:
		var se *StatusError
		if errors.As(err, &se) {
			c.metrics.HTTPFetch(host, strconv.Itoa(se.Code))
		} else {
			c.metrics.HTTPFetch(host, "error")
		}
		return nil, err
	}
}

func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(ctx, req)
}

// Result is one page of a GetAll batch.
type Result struct {
	URL  string
	Body []byte
	Err  error
}

// GetAll fetches urls with at most Concurrency requests in flight. Results are
// in input order; a failed page does not abort the others.
func (c *Client) GetAll(ctx context.Context, urls []string) []Result {
	out := make([]Result, len(urls))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			body, err := c.Get(ctx, u)
			out[i] = Result{URL: u, Body: body, Err: err}
			if err != nil {
				c.log.Debug("page fetch failed", logx.String("url", u), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
