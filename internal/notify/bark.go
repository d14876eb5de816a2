package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	barkDefaultServer = "https://api.day.app"
	barkDefaultGroup  = "app-sign"
	barkDefaultSound  = "silence"
)

// Bark pushes to a Bark server (iOS). One POST per notification; the
// pipeline owns retries and rate limiting.
type Bark struct {
	server string
	key    string
	group  string
	sound  string

	client *http.Client
	now    func() time.Time
}

type BarkOptions struct {
	Server string // default https://api.day.app
	Key    string // device key
	Group  string
	Sound  string

	HTTPClient *http.Client
}

func NewBark(opts BarkOptions) *Bark {
	server := strings.TrimRight(opts.Server, "/")
	if server == "" {
		server = barkDefaultServer
	}
	group := opts.Group
	if group == "" {
		group = barkDefaultGroup
	}
	sound := opts.Sound
	if sound == "" {
		sound = barkDefaultSound
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	return &Bark{
		server: server,
		key:    opts.Key,
		group:  group,
		sound:  sound,
		client: client,
		now:    time.Now,
	}
}

func (b *Bark) Name() string { return "bark" }

func (b *Bark) Send(ctx context.Context, n Notification) error {
	if b.key == "" {
		return fmt.Errorf("bark: device key not set")
	}

	payload := struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Group string `json:"group"`
		Sound string `json:"sound"`
	}{
		Title: n.Title,
		Body:  n.Body + "\ntime: " + b.now().Format("15:04:05"),
		Group: b.group,
		Sound: b.sound,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bark: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.server+"/"+b.key, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("bark: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bark: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bark: server replied %d", resp.StatusCode)
	}
	return nil
}
