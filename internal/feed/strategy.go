package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/miradorstack/machine-monitor/internal/stream"
)

// DefaultPollInterval is used when a poll strategy has no interval.
const DefaultPollInterval = 5 * time.Second

// Emitter receives the output of one session.
type Emitter[T any] interface {
	// Emit delivers a batch of samples in arrival order.
	Emit(batch []T)
	// Report records a failure that did not end the session.
	Report(err error)
}

// Strategy produces samples until ctx is cancelled or it fails. A nil return
// means the session ended because ctx was cancelled.
type Strategy[T any] interface {
	Run(ctx context.Context, out Emitter[T]) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc[T any] func(ctx context.Context, out Emitter[T]) error

// Run calls fn.
func (fn StrategyFunc[T]) Run(ctx context.Context, out Emitter[T]) error { return fn(ctx, out) }

// retryable is implemented by errors that know whether a later attempt can succeed.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether polling should continue after err. Errors that do
// not classify themselves are treated as retryable.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// PollStrategy fetches on a fixed delay: the next fetch is scheduled only after
// the previous one has completed.
type PollStrategy[T any] struct {
	Interval time.Duration
	Fetch    func(ctx context.Context) ([]T, error)
}

// Run implements Strategy.
func (p PollStrategy[T]) Run(ctx context.Context, out Emitter[T]) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		batch, err := p.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && !IsRetryable(err):
			return err
		case err != nil:
			out.Report(err)
		default:
			out.Emit(batch)
		}
		timer.Reset(interval)
	}
}

// StreamStrategy holds one server-push connection open and decodes each event.
// It never reconnects; any transport failure ends the session.
type StreamStrategy[T any] struct {
	Open   func(ctx context.Context) (io.ReadCloser, error)
	Decode func(ev stream.Event) ([]T, error)
}

// Run implements Strategy.
func (s StreamStrategy[T]) Run(ctx context.Context, out Emitter[T]) error {
	body, err := s.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()
	release := context.AfterFunc(ctx, func() { body.Close() })
	defer release()

	reader := stream.NewReader(body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		batch, err := s.Decode(ev)
		if err != nil {
			out.Report(err)
			continue
		}
		out.Emit(batch)
	}
}
