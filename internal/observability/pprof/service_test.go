package pprof

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FrancisNGG/app-sign/pkg/logx"
)

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound an address")
	return ""
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"", "/debug/pprof/"},
		{"  ", "/debug/pprof/"},
		{"/debug/pprof/", "/debug/pprof/"},
		{"/debug/pprof", "/debug/pprof/"},
		{"debug/pprof", "/debug/pprof/"},
		{"/internal/prof", "/internal/prof/"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.10:6060", false},
		{"not-an-addr", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestWithAuth(t *testing.T) {
	t.Parallel()
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	srv := httptest.NewServer(withAuth("s3cret", ok))
	defer srv.Close()

	tests := []struct {
		name   string
		url    string
		header http.Header
		want   int
	}{
		{"no credentials", srv.URL, nil, http.StatusUnauthorized},
		{"bearer token", srv.URL, http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"wrong bearer", srv.URL, http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"query token", srv.URL + "?token=s3cret", nil, http.StatusOK},
		{"wrong query token", srv.URL + "?token=nope", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, tt.url, tt.header)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	open := httptest.NewServer(withAuth("", ok))
	defer open.Close()
	if resp := get(t, open.URL, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("empty token should disable auth, got %d", resp.StatusCode)
	}
}

func TestMuxServesIndexUnderCustomPrefix(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(buildMux(Config{Enabled: true, Prefix: "/internal/prof"}))
	defer srv.Close()

	resp := get(t, srv.URL+"/internal/prof/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "goroutine") {
		t.Fatalf("index page does not list profiles: %q", body)
	}

	if resp := get(t, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want insecure bind refusal", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	addr := waitForAddr(t, s)
	if resp := get(t, "http://"+addr+"/debug/pprof/", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Start again while running must be a no-op.
	s.Start(ctx)
	if got := s.Addr(); got != addr {
		t.Fatalf("second Start rebound: %q, want %q", got, addr)
	}

	s.Stop(ctx)
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after Stop = %q, want empty", got)
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := New(Config{Enabled: false}, logx.Nop())
	s.Start(ctx)
	if got := s.Addr(); got != "" {
		t.Fatalf("disabled service bound %q", got)
	}

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { s.Stop(context.Background()) })
	addr := waitForAddr(t, s)
	if resp := get(t, "http://"+addr+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Addr() != "" {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after disable = %q, want empty", got)
	}
}
