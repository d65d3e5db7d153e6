// Package feed maintains bounded windows of recent machine readings, refreshed
// by polling or by a server-push stream.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/machine-monitor/internal/metrics"
	"github.com/miradorstack/machine-monitor/internal/utils"
)

// Mode selects how a feed receives updates.
type Mode string

const (
	ModePoll   Mode = "poll"
	ModeStream Mode = "stream"
)

// ParseMode validates a mode name.
func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case ModePoll:
		return ModePoll, nil
	case ModeStream:
		return ModeStream, nil
	default:
		return "", fmt.Errorf("unknown feed mode %q", v)
	}
}

// State is the feed lifecycle state.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateError  State = "error"
)

var (
	// ErrAlreadyActive is returned by Start on an active feed.
	ErrAlreadyActive = errors.New("feed already active")
	// ErrNoFactory is returned by New without a strategy factory.
	ErrNoFactory = errors.New("feed strategy factory is required")
)

// Sample is anything with an observation time.
type Sample interface {
	ObservedAt() time.Time
}

// Settings identify what a feed watches and how.
type Settings struct {
	MachineID int
	Mode      Mode
	Interval  time.Duration
}

// Factory builds the strategy for the given settings.
type Factory[T any] func(s Settings) (Strategy[T], error)

// Observer is called with every accepted batch while the feed lock is held.
type Observer[T any] func(machineID int, batch []T)

// Config configures a Feed.
type Config[T any] struct {
	Kind     string
	Settings Settings
	Capacity int
	Factory  Factory[T]
	Observer Observer[T]
	Logger   *slog.Logger
}

// Feed keeps the most recent samples of one machine and the latest one separately.
// Start, Stop, Reconfigure and Close are serialised; at most one session runs at a time.
type Feed[T Sample] struct {
	kind     string
	factory  Factory[T]
	observer Observer[T]
	logger   *slog.Logger
	now      func() time.Time

	ctl sync.Mutex

	mu        sync.Mutex
	settings  Settings
	state     State
	window    *utils.Window[T]
	latest    T
	hasLatest bool
	lastErr   error
	updatedAt time.Time
	gen       uint64
	baseCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an idle feed.
func New[T Sample](cfg Config[T]) (*Feed[T], error) {
	if cfg.Factory == nil {
		return nil, ErrNoFactory
	}
	if cfg.Settings.Mode == "" {
		cfg.Settings.Mode = ModePoll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feed[T]{
		kind:     cfg.Kind,
		factory:  cfg.Factory,
		observer: cfg.Observer,
		logger:   cfg.Logger.With(slog.String("feed", cfg.Kind)),
		now:      time.Now,
		settings: cfg.Settings,
		state:    StateIdle,
		window:   utils.NewWindow[T](cfg.Capacity),
	}, nil
}

// Start launches a session. Feeds in the error state may be started again.
func (f *Feed[T]) Start(ctx context.Context) error {
	f.ctl.Lock()
	defer f.ctl.Unlock()

	f.mu.Lock()
	active := f.state == StateActive
	f.mu.Unlock()
	if active {
		return ErrAlreadyActive
	}
	return f.startLocked(ctx)
}

// startLocked expects f.ctl to be held.
func (f *Feed[T]) startLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f.waitSession()

	f.mu.Lock()
	settings := f.settings
	f.mu.Unlock()

	strategy, err := f.factory(settings)
	if err != nil {
		return fmt.Errorf("build %s strategy: %w", settings.Mode, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	f.mu.Lock()
	f.gen++
	gen := f.gen
	f.state = StateActive
	f.lastErr = nil
	f.baseCtx = ctx
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()

	metrics.FeedActivated(f.kind, true)
	f.logger.Info("feed started",
		slog.Int("machine_id", settings.MachineID),
		slog.String("mode", string(settings.Mode)),
		slog.Duration("interval", settings.Interval))

	go f.run(sessionCtx, cancel, gen, strategy, done)
	return nil
}

func (f *Feed[T]) run(ctx context.Context, cancel context.CancelFunc, gen uint64, strategy Strategy[T], done chan struct{}) {
	defer close(done)
	defer cancel()

	err := strategy.Run(ctx, &emitter[T]{feed: f, gen: gen})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen || f.state != StateActive {
		return
	}
	metrics.FeedActivated(f.kind, false)
	if err == nil {
		f.state = StateIdle
		return
	}
	f.state = StateError
	f.lastErr = err
	metrics.FeedError(f.kind, true)
	f.logger.Warn("feed stopped on error",
		slog.Int("machine_id", f.settings.MachineID),
		slog.Any("error", err))
}

// Stop ends the active session. Once Stop returns, no in-flight callback of that
// session can change the feed. A feed in the error state returns to idle.
func (f *Feed[T]) Stop() {
	f.ctl.Lock()
	defer f.ctl.Unlock()
	f.stopLocked()
}

func (f *Feed[T]) stopLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateError:
		f.state = StateIdle
		return false
	case StateActive:
	default:
		return false
	}
	f.gen++
	f.state = StateIdle
	if f.cancel != nil {
		f.cancel()
	}
	metrics.FeedActivated(f.kind, false)
	f.logger.Info("feed stopped", slog.Int("machine_id", f.settings.MachineID))
	return true
}

// waitSession blocks until the previous session goroutine exits.
func (f *Feed[T]) waitSession() {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the feed and waits for its session goroutine to exit.
func (f *Feed[T]) Close() {
	f.ctl.Lock()
	defer f.ctl.Unlock()
	f.stopLocked()
	f.waitSession()
}

// Reconfigure applies new settings, restarting the session when active. Switching
// machines drops the collected window.
func (f *Feed[T]) Reconfigure(s Settings) error {
	f.ctl.Lock()
	defer f.ctl.Unlock()

	if s.Mode == "" {
		s.Mode = ModePoll
	}

	f.mu.Lock()
	ctx := f.baseCtx
	f.mu.Unlock()

	wasActive := f.stopLocked()
	if wasActive {
		f.waitSession()
	}

	f.mu.Lock()
	if s.MachineID != f.settings.MachineID {
		f.window.Reset()
		var zero T
		f.latest, f.hasLatest = zero, false
		f.lastErr = nil
		f.updatedAt = time.Time{}
	}
	f.settings = s
	f.mu.Unlock()

	if !wasActive {
		return nil
	}
	return f.startLocked(ctx)
}

func (f *Feed[T]) accept(gen uint64, batch []T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || f.state != StateActive {
		return
	}
	f.lastErr = nil

	prev, hasPrev := f.latest, f.hasLatest
	accepted := make([]T, 0, len(batch))
	for i, item := range batch {
		if f.settings.Mode == ModePoll && !fresh(prev, hasPrev, item, i == len(batch)-1) {
			continue
		}
		f.window.Push(item)
		f.latest, f.hasLatest = item, true
		accepted = append(accepted, item)
	}
	if len(accepted) == 0 {
		return
	}
	f.updatedAt = f.now().UTC()
	metrics.AddSamples(f.kind, string(f.settings.Mode), len(accepted))
	if f.observer != nil {
		f.observer(f.settings.MachineID, accepted)
	}
}

func (f *Feed[T]) report(gen uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || f.state != StateActive || err == nil {
		return
	}
	f.lastErr = err
	metrics.FeedError(f.kind, false)
	f.logger.Warn("feed update failed",
		slog.Int("machine_id", f.settings.MachineID),
		slog.Any("error", err))
}

// fresh decides whether a polled item is new. Items are only compared with the
// latest sample of earlier batches, so equal timestamps within one batch are kept.
// An untimestamped history cannot be aligned across polls; only its last entry,
// the current reading, is taken.
func fresh[T Sample](prev T, hasPrev bool, candidate T, last bool) bool {
	next := candidate.ObservedAt()
	if next.IsZero() {
		return last
	}
	if !hasPrev || prev.ObservedAt().IsZero() {
		return true
	}
	return next.After(prev.ObservedAt())
}

// Window returns a copy of the held samples, oldest first.
func (f *Feed[T]) Window() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.Items()
}

// Latest returns the most recently accepted sample.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLatest
}

// State returns the lifecycle state.
func (f *Feed[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the last recorded error.
func (f *Feed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Settings returns the current settings.
func (f *Feed[T]) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Snapshot is a consistent copy of a feed.
type Snapshot[T any] struct {
	MachineID int       `json:"machine_id"`
	Kind      string    `json:"kind"`
	Mode      Mode      `json:"mode"`
	Interval  string    `json:"interval,omitempty"`
	State     State     `json:"state"`
	Capacity  int       `json:"capacity"`
	Window    []T       `json:"window"`
	Latest    *T        `json:"latest"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot copies the feed state.
func (f *Feed[T]) Snapshot() Snapshot[T] {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := Snapshot[T]{
		MachineID: f.settings.MachineID,
		Kind:      f.kind,
		Mode:      f.settings.Mode,
		State:     f.state,
		Capacity:  f.window.Cap(),
		Window:    f.window.Items(),
		UpdatedAt: f.updatedAt,
	}
	if f.settings.Mode == ModePoll && f.settings.Interval > 0 {
		snap.Interval = f.settings.Interval.String()
	}
	if f.hasLatest {
		latest := f.latest
		snap.Latest = &latest
	}
	if f.lastErr != nil {
		snap.LastError = f.lastErr.Error()
	}
	return snap
}

type emitter[T Sample] struct {
	feed *Feed[T]
	gen  uint64
}

func (e *emitter[T]) Emit(batch []T)   { e.feed.accept(e.gen, batch) }
func (e *emitter[T]) Report(err error) { e.feed.report(e.gen, err) }
