package ctsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrSyncRecordNotFound      = errors.New("sync record not found")
	ErrRecordFinalized         = errors.New("sync record already finalized")
	ErrSyncInFlight            = errors.New("sync already in flight for type key")
	ErrNoValidDefinitions      = errors.New("no valid content type definitions")
	ErrSyncCancelled           = errors.New("sync cancelled")
)

// ProviderErrorKind classifies remote failures.
type ProviderErrorKind string

const (
	KindNotFound     ProviderErrorKind = "not_found"
	KindPrecondition ProviderErrorKind = "precondition"
	KindRateLimited  ProviderErrorKind = "rate_limited"
	KindUnauthorized ProviderErrorKind = "unauthorized"
	KindServer       ProviderErrorKind = "server"
	KindTimeout      ProviderErrorKind = "timeout"
)

// ProviderError is the typed failure returned by Provider implementations.
type ProviderError struct {
	Kind    ProviderErrorKind
	TypeKey string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(string(e.Kind))
	if e.TypeKey != "" {
		b.WriteString(" for ")
		b.WriteString(e.TypeKey)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError.
func NewProviderError(kind ProviderErrorKind, typeKey, message string) *ProviderError {
	return &ProviderError{Kind: kind, TypeKey: typeKey, Message: message}
}

// IsProviderError reports whether err is a ProviderError of the given kind.
func IsProviderError(err error, kind ProviderErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsRetryable reports whether an operation that failed with err may succeed
// on another attempt. Rate limiting, server errors and timeouts are transient;
// other typed provider errors and caller cancellation are not. Untyped errors
// are treated as transient.
//
// A precondition failure is not retried with the stale token. The
// orchestrator refetches the remote instead and either completes the
// operation or flags the divergence as a conflict (see preconditionFailed).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindRateLimited, KindServer, KindTimeout:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ve *ValidationError
	return !errors.As(err, &ve)
}

// ValidationError lists why a definition cannot be sent to the provider.
type ValidationError struct {
	TypeKey  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid content type %q: %s", e.TypeKey, strings.Join(e.Problems, "; "))
}
