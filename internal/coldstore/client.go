// Package coldstore pulls cookies out of a CookieCloud-compatible vault.
//
// The vault holds end-to-end encrypted browser sessions captured by the
// upload extension. It is the restore source of last resort: when local
// refresh keeps failing, the latest captured session replaces the dead
// cookie, guarded so a fresher locally refreshed one is never clobbered.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultFetchTimeout = 30 * time.Second

// maxVaultBytes caps the encrypted download. A full browser profile of
// cookies encrypts to a few hundred KB; anything beyond this is not a vault.
const maxVaultBytes = 16 << 20

// Cookie is one browser cookie as the vault stores it. The capture carries
// more fields (path, expiry, flags); only the pair survives the restore.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Snapshot is one decrypted vault payload: cookies grouped by the domain
// the extension captured them from.
type Snapshot map[string][]Cookie

// CookieFor renders the cookies captured for domain as a request header
// value. Matching is bidirectional substring so a configured bare domain
// finds subdomain captures and vice versa; matching captures are visited in
// sorted order so the same snapshot always renders the same header.
func (s Snapshot) CookieFor(domain string) string {
	if domain == "" {
		return ""
	}
	matched := make([]string, 0, 2)
	for captured := range s {
		if strings.Contains(captured, domain) || strings.Contains(domain, captured) {
			matched = append(matched, captured)
		}
	}
	sort.Strings(matched)

	var pairs []string
	for _, captured := range matched {
		for _, ck := range s[captured] {
			if ck.Name == "" || ck.Value == "" {
				continue
			}
			pairs = append(pairs, ck.Name+"="+ck.Value)
		}
	}
	return strings.Join(pairs, "; ")
}

// Client fetches and decrypts vault snapshots.
type Client struct {
	server   string
	uuid     string
	password string
	client   *http.Client
	log      logx.Logger
}

// ClientOptions configures NewClient. Zero values select the defaults noted
// on each field.
type ClientOptions struct {
	Server   string
	UUID     string
	Password string

	// Timeout bounds the whole fetch. Default 30s.
	Timeout time.Duration
	// HTTPClient overrides the built-in client when set.
	HTTPClient *http.Client
	Log        logx.Logger
}

func NewClient(o ClientOptions) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultFetchTimeout
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &Client{
		server:   strings.TrimRight(o.Server, "/"),
		uuid:     o.UUID,
		password: o.Password,
		client:   client,
		log:      o.Log,
	}
}

// Fetch downloads and decrypts the current snapshot.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/get/"+c.uuid, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch vault: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVaultBytes))
	if err != nil {
		return nil, fmt.Errorf("read vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault returned http %d", resp.StatusCode)
	}

	var envelope struct {
		Encrypted string `json:"encrypted"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode vault envelope: %w", err)
	}
	if envelope.Encrypted == "" {
		return nil, errors.New("vault answered without an encrypted payload")
	}

	plain, err := decrypt(envelope.Encrypted, c.uuid, c.password)
	if err != nil {
		return nil, err
	}
	var payload struct {
		CookieData Snapshot `json:"cookie_data"`
	}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("decode cookie payload: %w", err)
	}

	c.log.Debug("vault snapshot fetched",
		logx.Int("domains", len(payload.CookieData)),
		logx.Duration("took", time.Since(started)),
	)
	return payload.CookieData, nil
}
