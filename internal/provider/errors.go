package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"scriptrag/internal/models"
)

// ErrUnsupported indicates the provider categorically cannot perform the operation.
var ErrUnsupported = errors.New("operation not supported by provider")

// Kind tags a provider failure so the client can decide between retry and fallback.
type Kind int

const (
	// KindUnavailable is transient: network failure, timeout, rate limit, 5xx.
	KindUnavailable Kind = iota + 1
	// KindRequest is permanent for this provider and request.
	KindRequest
	// KindUnsupported means the provider's capability set excludes the operation.
	KindUnsupported
	// KindProtocol means the backend answered with an unparseable payload.
	KindProtocol
	// KindCanceled means the caller's context ended the attempt.
	KindCanceled
	// KindTimeout means the caller's deadline expired during the attempt.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRequest:
		return "request_error"
	case KindUnsupported:
		return "unsupported"
	case KindProtocol:
		return "protocol_error"
	case KindCanceled:
		return "canceled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same provider may be tried again.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error is a provider failure tagged with its kind.
type Error struct {
	Provider   models.ProviderType
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unavailable tags err as a transient failure.
func Unavailable(p models.ProviderType, op string, err error) *Error {
	return &Error{Provider: p, Kind: KindUnavailable, Op: op, Err: err}
}

// RequestFailed tags err as a permanent failure for this provider.
func RequestFailed(p models.ProviderType, op string, err error) *Error {
	return &Error{Provider: p, Kind: KindRequest, Op: op, Err: err}
}

// Protocol tags err as an unparseable backend response.
func Protocol(p models.ProviderType, op string, err error) *Error {
	return &Error{Provider: p, Kind: KindProtocol, Op: op, Err: err}
}

// Unsupported reports that p cannot perform op at all.
func Unsupported(p models.ProviderType, op string) *Error {
	return &Error{Provider: p, Kind: KindUnsupported, Op: op, Err: ErrUnsupported}
}

// Transport tags a failure to reach the backend. When the caller's own
// context has ended the failure is tagged canceled or timeout; otherwise it
// is transient.
func Transport(ctx context.Context, p models.ProviderType, op string, err error) *Error {
	kind := KindUnavailable
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		kind = KindTimeout
	case ctxErr != nil:
		kind = KindCanceled
	}
	return &Error{Provider: p, Kind: kind, Op: op, Err: err}
}

// OpListModels is the operation name used for model discovery failures.
const OpListModels = "list_models"

// FromHTTPStatus tags err according to an upstream HTTP status code.
// Authentication failures during discovery mean the backend cannot be
// reached with the configured credentials and are tagged unavailable.
func FromHTTPStatus(p models.ProviderType, op string, status int, err error) *Error {
	kind := KindRequest
	switch {
	case status == http.StatusNotImplemented:
		kind = KindUnsupported
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		kind = KindUnavailable
	case op == OpListModels && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		kind = KindUnavailable
	}
	return &Error{Provider: p, Kind: kind, Op: op, StatusCode: status, Err: err}
}

// KindOf classifies any error. Untagged errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, ErrUnsupported) {
		return KindUnsupported
	}
	return KindUnavailable
}
