package keepalive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/FrancisNGG/app-sign/internal/site"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Request carries what a Refresher needs for one attempt. Cookie is the
// credential currently on file and may be empty.
type Request struct {
	Site    string
	BaseURL string
	Cookie  string
}

// Refresher obtains a usable session cookie for one site. Returning the
// request cookie unchanged means the origin accepted it as-is; a different
// cookie is a replacement the coordinator still verifies before installing.
type Refresher interface {
	Refresh(ctx context.Context, req Request) (string, error)
}

// ProbeRefresher revalidates the current cookie with the adapter's probe.
// For rolling sessions the authenticated hit is itself the refresh: the
// origin slides its window and the cookie stays good for another period.
type ProbeRefresher struct {
	Adapter site.Adapter
	Log     logx.Logger
}

func (r *ProbeRefresher) Refresh(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Cookie) == "" {
		return "", errors.New("no cookie on file to revalidate")
	}
	sess := site.NewSession(site.SessionOptions{
		Site:    req.Site,
		BaseURL: req.BaseURL,
		Cookie:  req.Cookie,
		Log:     r.Log,
	})
	if err := r.Adapter.Probe(ctx, sess); err != nil {
		return "", err
	}
	return req.Cookie, nil
}

// CommandRefresher shells out to an operator-provided program, typically a
// headless browser flow, that prints the fresh cookie on stdout. The current
// site, base URL and cookie are exported so the program can re-enter the
// existing session instead of logging in cold.
type CommandRefresher struct {
	Command string
	Timeout time.Duration
	Log     logx.Logger
}

const defaultCommandTimeout = 2 * time.Minute

func (r *CommandRefresher) Refresh(ctx context.Context, req Request) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	cmd.Env = append(os.Environ(),
		"APPSIGN_SITE="+req.Site,
		"APPSIGN_BASE_URL="+req.BaseURL,
		"APPSIGN_COOKIE="+req.Cookie,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("refresh command: %s: %w", msg, err)
		}
		return "", fmt.Errorf("refresh command: %w", err)
	}
	cookie := lastLine(stdout.String())
	if cookie == "" {
		return "", errors.New("refresh command printed no cookie")
	}
	r.Log.Debug("refresh command finished",
		logx.String("site", req.Site),
		logx.Duration("took", time.Since(start)),
	)
	return cookie, nil
}

// lastLine returns the final non-empty line. Browser flows tend to narrate
// their progress on stdout before printing the cookie.
func lastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
