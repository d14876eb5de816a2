package keepalive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

func TestProbeRefresherRevalidatesCookie(t *testing.T) {
	t.Parallel()

	adapter := &probeAdapter{key: "forum"}
	ref := &ProbeRefresher{Adapter: adapter, Log: logx.Nop()}

	got, err := ref.Refresh(context.Background(), Request{Site: "enshan", Cookie: "sess=abc"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != "sess=abc" {
		t.Fatalf("cookie = %q, want the one on file", got)
	}
	if cookies := adapter.probed(); len(cookies) != 1 || cookies[0] != "sess=abc" {
		t.Fatalf("probed cookies = %v", cookies)
	}
}

func TestProbeRefresherRejectsEmptyCookie(t *testing.T) {
	t.Parallel()

	adapter := &probeAdapter{key: "forum"}
	ref := &ProbeRefresher{Adapter: adapter, Log: logx.Nop()}

	if _, err := ref.Refresh(context.Background(), Request{Site: "enshan"}); err == nil {
		t.Fatal("want error for empty cookie")
	}
	if n := len(adapter.probed()); n != 0 {
		t.Fatalf("probe calls = %d, want 0", n)
	}
}

func TestProbeRefresherPropagatesProbeError(t *testing.T) {
	t.Parallel()

	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	ref := &ProbeRefresher{Adapter: adapter, Log: logx.Nop()}

	_, err := ref.Refresh(context.Background(), Request{Site: "enshan", Cookie: "sess=abc"})
	if err == nil || !strings.Contains(err.Error(), "http 403") {
		t.Fatalf("err = %v, want probe failure", err)
	}
}

func TestCommandRefresherTakesLastStdoutLine(t *testing.T) {
	t.Parallel()

	ref := &CommandRefresher{
		Command: `printf 'opening browser\nlogged in\nsess=new123; uid=7\n'`,
		Log:     logx.Nop(),
	}
	got, err := ref.Refresh(context.Background(), Request{Site: "enshan", Cookie: "sess=old"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != "sess=new123; uid=7" {
		t.Fatalf("cookie = %q", got)
	}
}

func TestCommandRefresherExportsRequestEnv(t *testing.T) {
	t.Parallel()

	ref := &CommandRefresher{
		Command: `printf '%s' "$APPSIGN_SITE:$APPSIGN_COOKIE"`,
		Log:     logx.Nop(),
	}
	got, err := ref.Refresh(context.Background(), Request{Site: "enshan", Cookie: "sess=old"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != "enshan:sess=old" {
		t.Fatalf("env passthrough = %q", got)
	}
}

func TestCommandRefresherSurfacesStderr(t *testing.T) {
	t.Parallel()

	ref := &CommandRefresher{Command: `echo "login page changed" >&2; exit 3`, Log: logx.Nop()}
	_, err := ref.Refresh(context.Background(), Request{Site: "enshan"})
	if err == nil || !strings.Contains(err.Error(), "login page changed") {
		t.Fatalf("err = %v, want stderr in message", err)
	}
}

func TestCommandRefresherRejectsEmptyOutput(t *testing.T) {
	t.Parallel()

	ref := &CommandRefresher{Command: "true", Log: logx.Nop()}
	_, err := ref.Refresh(context.Background(), Request{Site: "enshan"})
	if err == nil || !strings.Contains(err.Error(), "no cookie") {
		t.Fatalf("err = %v, want empty-output error", err)
	}
}

func TestCommandRefresherTimeout(t *testing.T) {
	t.Parallel()

	ref := &CommandRefresher{Command: "sleep 30", Timeout: 50 * time.Millisecond, Log: logx.Nop()}
	start := time.Now()
	_, err := ref.Refresh(context.Background(), Request{Site: "enshan"})
	if err == nil {
		t.Fatal("want timeout error")
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("refresh took %v, command was not killed", took)
	}
}
