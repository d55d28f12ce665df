// Package faults classifies sync and refresh failures so the retry
// orchestrator can pick a policy from a single decision table.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown is any error that carries no classification. Treated as
	// transient by the orchestrator.
	KindUnknown Kind = iota
	// KindCredentialUnavailable means the stored refresh credential cannot
	// be decrypted (encryption key absent or rotated). The user must re-link.
	KindCredentialUnavailable
	// KindInvalidCredential means the provider rejected the refresh
	// credential outright (HTTP 400/401). The user must re-authorize.
	KindInvalidCredential
	// KindRateLimited means the provider returned HTTP 429.
	KindRateLimited
	// KindTransientFetch covers network and non-429 HTTP failures while
	// talking to the provider, including malformed token responses.
	KindTransientFetch
	// KindTransientCommit covers store failures while persisting a batch.
	KindTransientCommit
	// KindCursorInvariant means a cursor moved the wrong way. Fatal: it
	// indicates the remote API broke its ordering contract or we have a bug.
	KindCursorInvariant
)

func (k Kind) String() string {
	switch k {
	case KindCredentialUnavailable:
		return "credential_unavailable"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientFetch:
		return "transient_fetch"
	case KindTransientCommit:
		return "transient_commit"
	case KindCursorInvariant:
		return "cursor_invariant"
	}
	return "unknown"
}

// Fault tags an underlying error with a Kind and the operation that failed.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// KindOf extracts the classification from err, or KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// Retryable reports whether the orchestrator may retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCredentialUnavailable, KindInvalidCredential, KindCursorInvariant:
		return false
	}
	return true
}
