// Package hgapi talks to the upstream game record, binding and role APIs.
// It is the GachaAPI implementation used by the sync service.
package hgapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"endcat-go/internal/endcat"
)

// Default endpoint templates. {provider} is replaced with the account's
// provider (hypergryph or gryphline).
const (
	DefaultWebviewURL = "https://ef-webview.{provider}.com"
	DefaultBindingURL = "https://binding-api-account-prod.{provider}.com"
	DefaultU8URL      = "https://u8.hypergryph.com"
	DefaultLang       = "zh-cn"
	DefaultTimeout    = 30 * time.Second
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 16 << 20

// Config configures a Client. Zero fields take the defaults above.
type Config struct {
	WebviewURL string
	BindingURL string
	U8URL      string
	Lang       string
	UserAgent  string
}

// Client is a rate-limited JSON client for the upstream APIs.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     Config
	logger  endcat.Logger
}

// NewClient creates a Client. httpClient may be nil for a client with
// DefaultTimeout. limiter may be nil to disable throttling.
func NewClient(cfg Config, httpClient *http.Client, limiter *rate.Limiter, logger endcat.Logger) *Client {
	if cfg.WebviewURL == "" {
		cfg.WebviewURL = DefaultWebviewURL
	}
	if cfg.BindingURL == "" {
		cfg.BindingURL = DefaultBindingURL
	}
	if cfg.U8URL == "" {
		cfg.U8URL = DefaultU8URL
	}
	if cfg.Lang == "" {
		cfg.Lang = DefaultLang
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		http:    httpClient,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// NewLimiter builds the request throttle: rps requests per second with the
// given burst. A non-positive rps disables throttling.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

var _ endcat.GachaAPI = (*Client)(nil)

// APIError is a non-zero code in a response envelope.
type APIError struct {
	Code int64
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("api error code %d", e.Code)
	}
	return fmt.Sprintf("api error code %d: %s", e.Code, e.Msg)
}

// StatusError is a non-2xx HTTP response. URL has its query stripped so
// tokens never end up in logs.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// envelope is the common {code|status, msg, data} response wrapper.
type envelope struct {
	Code   FlexInt         `json:"code"`
	Status FlexInt         `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// code prefers "code" over "status"; a response carrying neither is a failure.
func (e *envelope) code() int64 {
	if e.Code.Set {
		return e.Code.Value
	}
	return e.Status.Or(-1)
}

func (e *envelope) check(fallback string) error {
	if c := e.code(); c != 0 {
		msg := e.Msg
		if msg == "" {
			msg = fallback
		}
		return &APIError{Code: c, Msg: msg}
	}
	return nil
}

func (c *Client) endpoint(template, provider, path string) string {
	base := strings.ReplaceAll(template, "{provider}", provider)
	return strings.TrimRight(base, "/") + path
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values) (*envelope, error) {
	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, body any) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	redacted := redactURL(req.URL)
	c.logger.Debug("api request", "method", req.Method, "url", redacted)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, redacted, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: redacted}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", redacted, err)
	}
	return &env, nil
}

func redactURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}

// decodeData unmarshals the envelope's data into v. Missing or null data
// leaves v untouched.
func (e *envelope) decodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), jsonNull) {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
