// Package status wraps a unit of asynchronous work with completion state,
// progress watchers and done callbacks.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrPending is returned by Err while the work is still running.
var ErrPending = errors.New("status: work still running")

// Progress is an incremental report pushed by running work, for example a motor
// position update in the middle of a move.
type Progress struct {
	Name      string
	Current   float64
	Initial   float64
	Target    float64
	Unit      string
	Precision int
	Elapsed   time.Duration
}

// Fraction returns how far Current has travelled from Initial towards Target,
// clamped to [0, 1].
func (p Progress) Fraction() float64 {
	span := p.Target - p.Initial
	if span == 0 {
		return 1
	}
	f := (p.Current - p.Initial) / span
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Work is the function driven by a Status. It should honour ctx and may call
// report any number of times.
type Work func(ctx context.Context, report func(Progress)) error

// Option configures a Status.
type Option func(*Status)

// WithLogger sets the logger used to report failed work.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Status) {
		s.logger = logger
	}
}

// WithName labels the work in log output.
func WithName(name string) Option {
	return func(s *Status) {
		s.name = name
	}
}

// Status is the handle of work started by New. The zero value is not usable.
type Status struct {
	logger zerolog.Logger
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	cancelled bool
	finished  bool
	callbacks []func(*Status)
	watchers  []func(Progress)
	logged    bool
}

// New starts work immediately in its own goroutine and returns its handle.
// Cancelling ctx cancels the work.
func New(ctx context.Context, work Work, opts ...Option) *Status {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Status{
		logger: zerolog.Nop(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.run(runCtx, work)
	return s
}

// Completed returns a Status that is already done with err.
func Completed(err error, opts ...Option) *Status {
	return New(context.Background(), func(context.Context, func(Progress)) error { return err }, opts...)
}

func (s *Status) run(ctx context.Context, work Work) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("status: work panicked: %v", r)
			}
		}()
		if work == nil {
			err = errors.New("status: nil work")
			return
		}
		err = work(ctx, s.report)
	}()

	s.mu.Lock()
	s.finished = true
	s.err = err
	s.cancelled = errors.Is(err, context.Canceled)
	callbacks := s.callbacks
	s.callbacks = nil
	s.watchers = nil
	s.mu.Unlock()

	s.cancel()
	close(s.done)

	if s.cancelled {
		return
	}
	for _, cb := range callbacks {
		cb(s)
	}
}

func (s *Status) report(p Progress) {
	s.mu.Lock()
	watchers := append([]func(Progress){}, s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(p)
	}
}

// Done reports whether the work has finished, without blocking.
func (s *Status) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// DoneChan is closed when the work finishes.
func (s *Status) DoneChan() <-chan struct{} {
	return s.done
}

// Success reports whether the work finished without error. It is false while the
// work is running. Failures, including cancellation, are logged once and never
// propagated from here.
func (s *Status) Success() bool {
	if !s.Done() {
		return false
	}
	s.mu.Lock()
	err := s.err
	first := !s.logged
	s.logged = true
	s.mu.Unlock()
	if err == nil {
		return true
	}
	if first {
		s.logger.Error().Err(err).Str("status", s.name).Msg("status failed")
	}
	return false
}

// Err returns the error the work finished with, or ErrPending while it runs.
func (s *Status) Err() error {
	if !s.Done() {
		return ErrPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancelled reports whether the work ended through cancellation.
func (s *Status) Cancelled() bool {
	if !s.Done() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// AddCallback registers cb to run once when the work completes. If the work is
// already done cb runs immediately. Callbacks are skipped for cancelled work.
func (s *Status) AddCallback(cb func(*Status)) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	if !s.finished {
		s.callbacks = append(s.callbacks, cb)
		s.mu.Unlock()
		return
	}
	cancelled := s.cancelled
	s.mu.Unlock()
	<-s.done
	if !cancelled {
		cb(s)
	}
}

// Watch registers fn for progress reports pushed by the work. Reports arrive on
// the work's goroutine, in order. Watching finished work is a no-op.
func (s *Status) Watch(fn func(Progress)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.watchers = append(s.watchers, fn)
}

// Wait blocks until the work finishes or ctx ends, and returns the work's error.
func (s *Status) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of the work. It does not wait.
func (s *Status) Cancel() {
	s.cancel()
}
