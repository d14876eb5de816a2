package coldstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// vaultServer serves snap the way a CookieCloud instance would: encrypted
// with the test uuid/password under /get/{uuid}.
func vaultServer(t *testing.T, snap Snapshot) (*httptest.Server, *hitCounter) {
	t.Helper()
	hits := &hitCounter{}
	payload, err := json.Marshal(map[string]any{"cookie_data": snap})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	enc := encryptPayload(t, payload, testUUID, testPassword)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		if r.URL.Path != "/get/"+testUUID {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"encrypted":%q}`, enc)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

type hitCounter struct {
	mu    sync.Mutex
	paths []string
}

func (h *hitCounter) add(path string) {
	h.mu.Lock()
	h.paths = append(h.paths, path)
	h.mu.Unlock()
}

func (h *hitCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.paths)
}

func (h *hitCounter) last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.paths) == 0 {
		return ""
	}
	return h.paths[len(h.paths)-1]
}

func testSnapshot() Snapshot {
	return Snapshot{
		"right.com.cn": {
			{Name: "htVD_2132_auth", Value: "tok123"},
			{Name: "htVD_2132_saltkey", Value: "salt456"},
		},
		".smzdm.com": {
			{Name: "sess", Value: "z9"},
		},
	}
}

func TestFetchDecryptsSnapshot(t *testing.T) {
	t.Parallel()
	srv, hits := vaultServer(t, testSnapshot())

	// Trailing slash on the configured server must not double up in the path.
	c := NewClient(ClientOptions{
		Server:   srv.URL + "/",
		UUID:     testUUID,
		Password: testPassword,
		Log:      logx.Nop(),
	})
	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("domains = %d, want 2", len(snap))
	}
	if got := snap.CookieFor("right.com.cn"); got != "htVD_2132_auth=tok123; htVD_2132_saltkey=salt456" {
		t.Fatalf("CookieFor = %q", got)
	}
	if hits.last() != "/get/"+testUUID {
		t.Fatalf("request path = %q", hits.last())
	}
	if hits.count() != 1 {
		t.Fatalf("hits = %d, want 1", hits.count())
	}
}

func TestFetchWrongKeyFails(t *testing.T) {
	t.Parallel()
	srv, _ := vaultServer(t, testSnapshot())

	c := NewClient(ClientOptions{Server: srv.URL, UUID: testUUID, Password: "wrong", Log: logx.Nop()})
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("Fetch with the wrong password succeeded")
	}
}

func TestFetchServerErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "http error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantErr: "http 502",
		},
		{
			name:    "no encrypted field",
			handler: func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"ok":true}`) },
			wantErr: "without an encrypted payload",
		},
		{
			name:    "not json",
			handler: func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "<html>login</html>") },
			wantErr: "decode vault envelope",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(ClientOptions{Server: srv.URL, UUID: testUUID, Password: testPassword, Log: logx.Nop()})
			_, err := c.Fetch(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Fetch error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCookieFor(t *testing.T) {
	t.Parallel()
	snap := Snapshot{
		"zhuanzhuan.smzdm.com": {{Name: "a", Value: "1"}},
		".smzdm.com":           {{Name: "b", Value: "2"}},
		"right.com.cn":         {{Name: "c", Value: "3"}, {Name: "", Value: "skipme"}, {Name: "empty", Value: ""}},
	}
	tests := []struct {
		name   string
		domain string
		want   string
	}{
		// Bare domain collects every capture that contains it, in sorted
		// capture order.
		{name: "bare domain spans captures", domain: "smzdm.com", want: "b=2; a=1"},
		{name: "subdomain matches bare capture", domain: "note.smzdm.com", want: "b=2"},
		{name: "exact", domain: "right.com.cn", want: "c=3"},
		{name: "no match", domain: "bilibili.com", want: ""},
		{name: "empty domain", domain: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := snap.CookieFor(tt.domain); got != tt.want {
				t.Fatalf("CookieFor(%q) = %q, want %q", tt.domain, got, tt.want)
			}
		})
	}
}
