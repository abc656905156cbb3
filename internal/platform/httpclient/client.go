package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"time"

	"jobsched/pkg/retry"
)

// Client wraps http.Client with logging and retries on transient failures.
type Client struct {
	hc          *stdhttp.Client
	log         *slog.Logger
	retry       retry.Config
	headers     map[string]string
	urlRedactor func(*url.URL) string
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets per-attempt timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetry replaces the retry policy. MaxAttempts 1 disables retries.
func WithRetry(rc retry.Config) Option {
	return func(c *Client) { c.retry = rc }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second

	c := &Client{
		hc:      &stdhttp.Client{Timeout: 15 * time.Second, Transport: tr},
		log:     slog.Default(),
		retry:   retry.DefaultConfig(),
		headers: map[string]string{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError reports a response outside 2xx.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// Retryable reports whether the server asked us to come back later.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case 408, 425, 429:
		return true
	}
	return e.Code >= 500
}

// Send issues the request and returns the response body of the first 2xx
// answer. The body is replayed on every attempt.
func (c *Client) Send(ctx context.Context, method, rawURL string, body []byte, header stdhttp.Header) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("http: parse url: %w", err)
	}
	shown := c.redactURL(u)

	var out []byte
	attempt := 0
	err = retry.DoWithRetryable(ctx, c.retry, func(ctx context.Context) error {
		attempt++
		req, err := stdhttp.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		for k, vs := range header {
			req.Header[k] = vs
		}

		st := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			c.log.Warn("http request error", slog.String("method", method), slog.String("url", shown), slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		defer drainAndClose(resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			c.log.Warn("http request status", slog.String("method", method), slog.String("url", shown), slog.Int("attempt", attempt), slog.Int("status", resp.StatusCode))
			return &StatusError{Method: method, URL: shown, Code: resp.StatusCode}
		}
		out, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		c.log.Debug("http request", slog.String("method", method), slog.String("url", shown), slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(st)), slog.Int("attempt", attempt))
		return nil
	}, retryable)
	return out, err
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return retry.DefaultRetryable(err)
}

func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}
