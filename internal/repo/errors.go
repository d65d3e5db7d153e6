package repo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies upstream failures.
type Kind string

const (
	// KindTransient covers connection refused, DNS and timeout failures.
	KindTransient Kind = "transient"
	// KindServer covers 5xx responses.
	KindServer Kind = "server"
	// KindClient covers 4xx responses and invalid requests.
	KindClient Kind = "client"
	// KindMalformed covers payloads that could not be decoded.
	KindMalformed Kind = "malformed"
	// KindUnavailable is returned while the circuit breaker is open.
	KindUnavailable Kind = "unavailable"
)

// UpstreamError describes a failed backend call.
type UpstreamError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.StatusCode != 0 {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s error (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("backend %s error: %s", e.Kind, msg)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *UpstreamError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindServer
}

// KindOf returns the kind of an upstream error, or "" for anything else.
func KindOf(err error) Kind {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Kind
	}
	return ""
}

func malformed(format string, args ...any) *UpstreamError {
	return &UpstreamError{Kind: KindMalformed, Message: fmt.Sprintf(format, args...)}
}

func statusError(code int, message string) *UpstreamError {
	kind := KindClient
	if code >= http.StatusInternalServerError {
		kind = KindServer
	}
	return &UpstreamError{Kind: kind, StatusCode: code, Message: message}
}

func retryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	return false
}

// RetryPolicy is exponential backoff for retryable failures: MaxRetries further
// attempts after the first, waiting BaseDelay, 2*BaseDelay, 4*BaseDelay and so on.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy waits 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
}

// Delay returns the wait before retry number attempt, counted from zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
