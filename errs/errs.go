// Package errs provides structured error envelopes for the collector.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a venue-facing error category.
type Code string

const (
	// CodeRateLimited indicates the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a venue-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates a sink or venue is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeParse indicates a malformed frame or unparseable decimal.
	CodeParse Code = "parse_error"
)

// CanonicalCode captures venue-agnostic failure categories used by the
// health accounting.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalSequenceGap indicates a diff-book sequence discontinuity.
	CanonicalSequenceGap CanonicalCode = "sequence_gap"
	// CanonicalStaleUpdate indicates an update older than applied state.
	CanonicalStaleUpdate CanonicalCode = "stale_update"
	// CanonicalLateTrade indicates a trade behind its closed window.
	CanonicalLateTrade CanonicalCode = "late_trade"
	// CanonicalFlushFailed indicates a sink batch exhausted its retries.
	CanonicalFlushFailed CanonicalCode = "flush_failed"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E is the structured error envelope produced across the collector.
type E struct {
	Exchange  string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// SequenceGap returns the standardized error for a diff-book discontinuity.
func SequenceGap(exchange string, want, got uint64) *E {
	return New(exchange, CodeExchange,
		WithCanonicalCode(CanonicalSequenceGap),
		WithMessage("expected first update "+strconv.FormatUint(want, 10)+", got "+strconv.FormatUint(got, 10)))
}

// StaleUpdate returns the standardized error for an already-applied update.
func StaleUpdate(exchange string, last, got uint64) *E {
	return New(exchange, CodeExchange,
		WithCanonicalCode(CanonicalStaleUpdate),
		WithMessage("final update "+strconv.FormatUint(got, 10)+" behind applied "+strconv.FormatUint(last, 10)))
}
