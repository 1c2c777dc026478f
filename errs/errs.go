// Package errs provides structured error envelopes shared across tradecore services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a semantic error category.
type Code string

const (
	// CodeInvalid indicates invalid parameters supplied by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a resource conflict, e.g. a symbol double-lease.
	CodeConflict Code = "conflict"
	// CodeState indicates an invalid state-machine transition.
	CodeState Code = "invalid_state"
	// CodePersistence indicates a store read or write failure.
	CodePersistence Code = "persistence"
	// CodeExchange indicates an exchange adapter failure.
	CodeExchange Code = "exchange_error"
	// CodeTimeout indicates a deadline elapsed before a decision or flush completed.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates the component is shut down or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeRateLimited indicates the request exceeded a configured rate limit.
	CodeRateLimited Code = "rate_limited"
)

// E captures structured error information produced across the tradecore stack.
type E struct {
	Op       string
	Code     Code
	Message  string
	Symbol   string
	Session  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:       strings.TrimSpace(op),
		Code:     code,
		Message:  "",
		Symbol:   "",
		Session:  "",
		Metadata: nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSymbol records the instrument the failure relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithSession records the execution session the failure relates to.
func WithSession(sessionID string) Option {
	trimmed := strings.TrimSpace(sessionID)
	return func(e *E) {
		e.Session = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Session != "" {
		parts = append(parts, "session="+e.Session)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the semantic code from err, unwrapping as needed.
// Errors outside the envelope taxonomy report CodeUnavailable.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeUnavailable
}

// HasCode reports whether err carries the given semantic code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
