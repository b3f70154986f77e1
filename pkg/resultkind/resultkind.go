// Package resultkind defines tagged result kinds used in place of raised
// exceptions for expected, recoverable outcomes (budget/sandbox/policy/
// timeout/parse/approval failures). Callers that need to react to the
// specific kind use errors.As; callers that only need to propagate treat
// the value as a plain error.
package resultkind

import "fmt"

// Kind enumerates the closed set of tagged outcomes a guardrails or
// tool-call decision point can produce.
type Kind string

const (
	OK                  Kind = "ok"
	ErrBudget           Kind = "budget_exceeded"
	ErrSandbox          Kind = "sandbox_violation"
	ErrPolicy           Kind = "policy_blocked"
	ErrTimeout          Kind = "timeout"
	ErrParse            Kind = "parse_error"
	ErrApprovalRejected Kind = "approval_rejected"
	ErrApprovalExpired  Kind = "approval_expired"
)

// Error is a tagged result value: it carries a Kind alongside a message so
// a caller can branch on the kind without string-matching, while still
// satisfying the error interface for callers that just want to propagate.
type Error struct {
	Kind    Kind
	Message string
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Message }

// KindOf reports the Kind carried by err: OK for a nil error, the tagged
// Kind for a *Error, and ("", false) for any other error. A *Error wrapped
// inside another error is not unwrapped.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return OK, true
	}
	if e, ok := err.(*Error); ok {
		return e.Kind, true
	}
	return "", false
}

// Fatal marks a result as carrying an unrecoverable, run-terminating error
// (cycle detection, storage failure, cancellation) — distinct from the
// tagged recoverable kinds above, per spec §9's "reserve true error
// propagation for unrecoverable storage/IO failures" guidance.
type Fatal struct {
	Reason string
	Err    error
}

func (f *Fatal) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

func (f *Fatal) Unwrap() error { return f.Err }
