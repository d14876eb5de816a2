package site

import (
	"context"
	"fmt"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Outcome is the closed result type at the adapter boundary. Adapters can
// only produce it through Success, Failure or ExpiredCredential; a zero
// Outcome is malformed and gets normalized by SafeAttempt. This is deliberate:
// adapters historically leaked ambiguous results (no return value, partial
// state) and the scheduler must never have to guess.
type Outcome struct {
	kind outcomeKind

	detail    string
	reason    string
	retryable bool

	credentialExpired bool
	contractViolation bool
}

type outcomeKind uint8

const (
	outcomeInvalid outcomeKind = iota
	outcomeSuccess
	outcomeFailure
)

// Success reports a completed check-in. detail is the human summary carried
// into logs and notifications ("points today: 36, streak: 12 days").
func Success(detail string) Outcome {
	return Outcome{kind: outcomeSuccess, detail: detail}
}

// Failure reports a failed attempt. retryable selects between the transient
// path (retry queue) and the terminal path (immediate notification).
func Failure(reason string, retryable bool) Outcome {
	return Outcome{kind: outcomeFailure, reason: reason, retryable: retryable}
}

// ExpiredCredential reports that the site rejected the session cookie. It is
// retryable (a keepalive refresh may replace the cookie before the retry
// fires) and additionally signals the keepalive coordinator.
func ExpiredCredential(reason string) Outcome {
	return Outcome{kind: outcomeFailure, reason: reason, retryable: true, credentialExpired: true}
}

func (o Outcome) OK() bool             { return o.kind == outcomeSuccess }
func (o Outcome) Detail() string       { return o.detail }
func (o Outcome) Reason() string       { return o.reason }
func (o Outcome) Retryable() bool      { return o.kind == outcomeFailure && o.retryable }
func (o Outcome) CredentialExpired() bool { return o.credentialExpired }

func (o Outcome) valid() bool { return o.kind != outcomeInvalid }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		if o.retryable {
			return fmt.Sprintf("failure(retryable): %s", o.reason)
		}
		return fmt.Sprintf("failure(terminal): %s", o.reason)
	default:
		return "invalid"
	}
}

// Class is the routing taxonomy derived from a normalized Outcome.
type Class uint8

const (
	ClassSuccess Class = iota
	// ClassTransient goes to the retry queue.
	ClassTransient
	// ClassTerminal is notified immediately, never retried.
	ClassTerminal
	// ClassContractViolation is a terminal failure caused by the adapter
	// itself (panic, malformed outcome) rather than the site.
	ClassContractViolation
	// ClassCredentialExpired is transient and additionally nudges the
	// keepalive coordinator.
	ClassCredentialExpired
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	case ClassContractViolation:
		return "contract_violation"
	case ClassCredentialExpired:
		return "credential_expired"
	default:
		return "unknown"
	}
}

// Classify maps a normalized Outcome onto the routing taxonomy.
func Classify(o Outcome) Class {
	switch {
	case o.OK():
		return ClassSuccess
	case o.contractViolation:
		return ClassContractViolation
	case o.credentialExpired:
		return ClassCredentialExpired
	case o.retryable:
		return ClassTransient
	default:
		return ClassTerminal
	}
}

// SafeAttempt invokes the adapter's check-in and normalizes everything that
// crosses the boundary: a panic becomes a non-retryable contract violation
// with the stack logged, and a malformed (zero) Outcome is replaced by one.
// The scheduler only ever sees a valid Outcome.
func SafeAttempt(ctx context.Context, a Adapter, sess *Session) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			sess.Log.Error("adapter panicked",
				logx.String("adapter", a.Key()),
				logx.Any("panic", r),
				logx.String("stack", logx.CapturedStack()),
			)
			out = Failure(fmt.Sprintf("adapter panic: %v", r), false)
			out.contractViolation = true
		}
	}()

	out = a.CheckIn(ctx, sess)
	if !out.valid() {
		sess.Log.Error("adapter returned malformed outcome", logx.String("adapter", a.Key()))
		out = Failure("adapter returned no outcome", false)
		out.contractViolation = true
	}
	return out
}

// SafeProbe runs the adapter's session probe with the same panic isolation.
func SafeProbe(ctx context.Context, a Adapter, sess *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sess.Log.Error("adapter probe panicked",
				logx.String("adapter", a.Key()),
				logx.Any("panic", r),
				logx.String("stack", logx.CapturedStack()),
			)
			err = fmt.Errorf("adapter probe panic: %v", r)
		}
	}()
	return a.Probe(ctx, sess)
}
