package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failure for retry decisions and user facing messages.
type Kind string

const (
	KindAuthExpired        Kind = "auth_expired"
	KindTransientNetwork   Kind = "transient_network"
	KindRateLimited        Kind = "rate_limited"
	KindContentRejected    Kind = "content_rejected"
	KindTransferIncomplete Kind = "transfer_incomplete"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Error is the classified error carried across the engine.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("[" + e.Code + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(err error, kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// WithRetryAfter returns a rate limited error with the destination's hint.
func WithRetryAfter(code string, after time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Code: code, RetryAfter: after, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are internal, context
// errors map to cancelled and timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, errCanceled):
		return KindCancelled
	case errors.Is(err, errDeadline):
		return KindTimeout
	}
	return KindInternal
}

// CodeOf returns the support code of err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the destination supplied message of err, if any.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetryable reports whether a failure of this kind may succeed on retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited, KindTransferIncomplete:
		return true
	}
	return false
}

// RetryAfter returns the destination's backoff hint, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromHTTPStatus classifies a non-2xx destination response.
func FromHTTPStatus(status int, retryAfter string, message string) *Error {
	code := "http_" + strconv.Itoa(status)
	switch {
	case status == http.StatusUnauthorized:
		return New(KindAuthExpired, code, message)
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Code: code, Message: message, RetryAfter: ParseRetryAfter(retryAfter)}
	case status == http.StatusRequestTimeout || status >= 500:
		return New(KindTransientNetwork, code, message)
	case status == http.StatusForbidden && looksLikeInvalidGrant(message):
		return New(KindAuthExpired, code, message)
	case status >= 400:
		return New(KindContentRejected, code, message)
	}
	return New(KindInternal, code, message)
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP date form.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func looksLikeInvalidGrant(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "invalid_grant") || strings.Contains(m, "invalid_token") || strings.Contains(m, "revoked")
}

// UserMessage renders the message shown to the account owner.
func UserMessage(kind Kind, code, message string) string {
	switch kind {
	case KindAuthExpired:
		return "re-authorize this account"
	case KindContentRejected:
		if message != "" {
			return message
		}
		return "the destination rejected this content"
	case KindCancelled:
		return "publishing was cancelled"
	}
	if code == "" {
		code = string(kind)
	}
	return fmt.Sprintf("publishing failed, please retry later (code %s)", code)
}
