package site

import (
	"context"
	"strings"
	"testing"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

type stubAdapter struct {
	key     string
	checkIn func(ctx context.Context, sess *Session) Outcome
	probe   func(ctx context.Context, sess *Session) error
}

func (a *stubAdapter) Key() string           { return a.key }
func (a *stubAdapter) DefaultDomain() string { return "example.com" }

func (a *stubAdapter) CheckIn(ctx context.Context, sess *Session) Outcome {
	return a.checkIn(ctx, sess)
}

func (a *stubAdapter) Probe(ctx context.Context, sess *Session) error {
	return a.probe(ctx, sess)
}

func testSession(t *testing.T) *Session {
	t.Helper()
	return NewSession(SessionOptions{Site: "test", Log: logx.Nop()})
}

func TestSafeAttemptPassesThroughValidOutcome(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{key: "stub", checkIn: func(context.Context, *Session) Outcome {
		return Success("done")
	}}
	out := SafeAttempt(context.Background(), a, testSession(t))
	if !out.OK() || out.Detail() != "done" {
		t.Fatalf("got %v, want success with detail \"done\"", out)
	}
	if got := Classify(out); got != ClassSuccess {
		t.Fatalf("Classify() = %v, want %v", got, ClassSuccess)
	}
}

func TestSafeAttemptConvertsPanicToContractViolation(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{key: "stub", checkIn: func(context.Context, *Session) Outcome {
		panic("nil map write")
	}}
	out := SafeAttempt(context.Background(), a, testSession(t))
	if out.OK() {
		t.Fatal("panicking adapter reported success")
	}
	if out.Retryable() {
		t.Fatal("panic outcome must not be retryable")
	}
	if !strings.Contains(out.Reason(), "panic") {
		t.Fatalf("reason %q does not mention the panic", out.Reason())
	}
	if got := Classify(out); got != ClassContractViolation {
		t.Fatalf("Classify() = %v, want %v", got, ClassContractViolation)
	}
}

func TestSafeAttemptRejectsMalformedOutcome(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{key: "stub", checkIn: func(context.Context, *Session) Outcome {
		return Outcome{}
	}}
	out := SafeAttempt(context.Background(), a, testSession(t))
	if out.OK() || out.Retryable() {
		t.Fatalf("malformed outcome normalized to %v, want terminal failure", out)
	}
	if got := Classify(out); got != ClassContractViolation {
		t.Fatalf("Classify() = %v, want %v", got, ClassContractViolation)
	}
}

func TestSafeProbeConvertsPanic(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{key: "stub", probe: func(context.Context, *Session) error {
		panic("index out of range")
	}}
	err := SafeProbe(context.Background(), a, testSession(t))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("got %v, want probe panic error", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  Outcome
		want Class
	}{
		{"success", Success("ok"), ClassSuccess},
		{"retryable failure", Failure("http 502", true), ClassTransient},
		{"terminal failure", Failure("account banned", false), ClassTerminal},
		{"expired credential", ExpiredCredential("formhash missing"), ClassCredentialExpired},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.out); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.out, got, tt.want)
			}
		})
	}
}

func TestExpiredCredentialIsRetryable(t *testing.T) {
	t.Parallel()

	out := ExpiredCredential("session rejected")
	if !out.Retryable() {
		t.Fatal("expired credential must stay retryable")
	}
	if !out.CredentialExpired() {
		t.Fatal("CredentialExpired() = false")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	mk := func(key string) *stubAdapter { return &stubAdapter{key: key} }

	r, err := NewRegistry(mk("beta"), mk("alpha"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := r.Lookup("alpha"); !ok {
		t.Fatal("Lookup(alpha) missed")
	}
	if _, ok := r.Lookup("gamma"); ok {
		t.Fatal("Lookup(gamma) hit an unregistered adapter")
	}
	if got := r.Keys(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("Keys() = %v, want sorted [alpha beta]", got)
	}

	if _, err := NewRegistry(mk("dup"), mk("dup")); err == nil {
		t.Fatal("duplicate key accepted")
	}
	if _, err := NewRegistry(mk("")); err == nil {
		t.Fatal("empty key accepted")
	}
}
