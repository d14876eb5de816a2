package site

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultUserAgent is sent on desktop-style requests unless the adapter
// overrides it per call.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36"

// maxResponseBytes caps how much of a response body an adapter can pull in.
// Check-in endpoints answer with small JSON or HTML fragments; anything
// larger is a misbehaving origin.
const maxResponseBytes = 2 << 20

// Session is the per-attempt HTTP context handed to an adapter. It carries
// the cookie fetched immediately before the attempt; sessions are built
// fresh per attempt and never reused across waits.
type Session struct {
	Site      string
	BaseURL   string
	Cookie    string
	UserAgent string
	Log       logx.Logger

	client  *http.Client
	limiter *rate.Limiter
}

// SessionOptions configures NewSession. Zero values select the defaults
// noted on each field.
type SessionOptions struct {
	Site      string
	BaseURL   string
	Cookie    string
	UserAgent string
	Log       logx.Logger

	// Timeout bounds each individual request. Default 15s.
	Timeout time.Duration
	// RequestsPerSec paces calls within one attempt so multi-step
	// protocols do not hammer the origin. Default 2.
	RequestsPerSec float64
	// HTTPClient overrides the built-in client when set.
	HTTPClient *http.Client
}

func NewSession(o SessionOptions) *Session {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.RequestsPerSec <= 0 {
		o.RequestsPerSec = 2
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &Session{
		Site:      o.Site,
		BaseURL:   o.BaseURL,
		Cookie:    o.Cookie,
		UserAgent: o.UserAgent,
		Log:       o.Log,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(o.RequestsPerSec), 1),
	}
}

// BaseOr returns the configured base URL, or def when the site does not
// override it.
func (s *Session) BaseOr(def string) string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return def
}

// CookieValue extracts one value from the session's cookie string.
func (s *Session) CookieValue(name string) (string, bool) {
	return CookieValue(s.Cookie, name)
}

// Get issues a GET with the session cookie and returns status plus body.
func (s *Session) Get(ctx context.Context, rawURL string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	return s.do(req, headers)
}

// PostForm issues an application/x-www-form-urlencoded POST.
func (s *Session) PostForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req, headers)
}

// PostJSON marshals body and issues an application/json POST.
func (s *Session) PostJSON(ctx context.Context, rawURL string, body any, headers map[string]string) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, headers)
}

func (s *Session) do(req *http.Request, headers map[string]string) (int, []byte, error) {
	if err := s.limiter.Wait(req.Context()); err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", s.UserAgent)
	if s.Cookie != "" {
		req.Header.Set("Cookie", s.Cookie)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// DecodeJSON unmarshals a response body, wrapping parse errors with a short
// body prefix so logs show what the site actually sent.
func DecodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response %q: %w", truncate(body, 120), err)
	}
	return nil
}

// CookieValue parses a "name=value; name2=value2" cookie header string.
func CookieValue(cookie, name string) (string, bool) {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return v, true
		}
	}
	return "", false
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
