package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so callers can pick a reaction without
// parsing messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotRecording
	KindQuotaExceeded
	KindContextInvalidated
	KindTimeout
	KindInjectionUnverified
	KindUsageLimitExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotRecording:
		return "not_recording"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindContextInvalidated:
		return "context_invalidated"
	case KindTimeout:
		return "timeout"
	case KindInjectionUnverified:
		return "injection_unverified"
	case KindUsageLimitExceeded:
		return "usage_limit_exceeded"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed and Err
// the underlying cause, if any.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout)
// works regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotRecording        = &Error{Kind: KindNotRecording}
	ErrQuotaExceeded       = &Error{Kind: KindQuotaExceeded}
	ErrContextInvalidated  = &Error{Kind: KindContextInvalidated}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrInjectionUnverified = &Error{Kind: KindInjectionUnverified}
	ErrUsageLimitExceeded  = &Error{Kind: KindUsageLimitExceeded}
)

// Errorf builds a classified error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err (see Classify) and attaches op. nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps err onto an ErrorKind. Typed errors keep their kind;
// deadline errors are timeouts; anything else is matched against the
// messages host APIs are known to produce.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota exceeded"),
		strings.Contains(msg, "max_capture"):
		return KindQuotaExceeded
	case strings.Contains(msg, "context invalidated"),
		strings.Contains(msg, "receiving end does not exist"),
		strings.Contains(msg, "target closed"):
		return KindContextInvalidated
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "usage_limit_exceeded"):
		return KindUsageLimitExceeded
	case strings.Contains(msg, "not recording"):
		return KindNotRecording
	}
	return KindUnknown
}
