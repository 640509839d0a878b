// Package api is the HTTP client for the chat widget endpoints: sending text
// and attachment messages, updating submitted form values and fetching the
// visitor contact.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single request when the context has no deadline.
	DefaultTimeout = 15 * time.Second
	// DefaultRequestsPerSecond is the sustained request rate towards the API.
	DefaultRequestsPerSecond = 5
	// DefaultBurst is the limiter burst size.
	DefaultBurst = 10

	messagesPath = "/api/v1/widget/messages"
	contactPath  = "/api/v1/widget/contact"

	authHeader = "X-Auth-Token"
)

// Config controls API endpoint and client behavior.
type Config struct {
	BaseURL           string
	WebsiteToken      string
	AuthToken         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (c Config) withDefaults() Config {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if out.Burst <= 0 {
		out.Burst = DefaultBurst
	}
	return out
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return errors.New("api base url is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api base url must be http or https, got %q", c.BaseURL)
	}
	if strings.TrimSpace(c.WebsiteToken) == "" {
		return errors.New("website token is required")
	}
	return nil
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("widget api: status %d", e.Code)
	}
	return fmt.Sprintf("widget api: status %d: %s", e.Code, e.Body)
}

// HTTPStatusCode returns the response status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.Code
}

// Option customizes a Client.
type Option func(*Client)

// WithDial replaces the TCP dialer, mainly for in-memory test listeners.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) {
		c.http.Dial = dial
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client talks to the widget API.
type Client struct {
	cfg     Config
	http    *fasthttp.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a client with validated configuration.
func New(config Config, opts ...Option) (*Client, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:                "widgetchat",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func (c *Client) endpoint(path string) string {
	query := url.Values{}
	query.Set("website_token", c.cfg.WebsiteToken)
	return c.cfg.BaseURL + path + "?" + query.Encode()
}

// do waits for the limiter, executes req and fails on non-2xx responses. The
// response body is copied out before resp is released by the caller.
//
// ctx cancellation only interrupts the limiter wait. Once the request is on
// the wire it is bounded by the earlier of the ctx deadline and the client
// timeout, so a ctx cancelled without a deadline does not abort it.
func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for request slot: %w", err)
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(authHeader, c.cfg.AuthToken)
	}
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	deadline := time.Now().Add(c.cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	method := string(req.Header.Method())
	uri := string(req.URI().Path())
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, uri, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return &StatusError{Code: status, Body: strings.TrimSpace(string(resp.Body()))}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint(path))
	req.Header.SetMethod(method)
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s %s payload: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := c.do(ctx, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
