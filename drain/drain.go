// Package drain tracks in-flight connections on a retiring process and
// enforces a hard deadline on their completion.
package drain

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Outcome is the terminal result of a drain.
type Outcome string

const (
	// DrainedNormally means every tracked connection closed before the
	// deadline.
	DrainedNormally Outcome = "drained-normally"
	// DrainedByTimeout means the deadline elapsed first and the remaining
	// connections were force-closed. This is an expected outcome, not an
	// error.
	DrainedByTimeout Outcome = "drained-by-timeout"
)

// ErrDraining is returned by Register once draining has begun. New
// connections are refused, not queued.
var ErrDraining = errors.New("drain has begun, not admitting new connections")

// Supervisor tracks open connections and supervises their draining.
// Register and Deregister are safe to call concurrently from any number of
// connection-handling goroutines.
type Supervisor struct {
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	draining  bool
	completed bool
	outcome   Outcome

	doneC chan struct{}

	clock   clock.Clock
	onCount func(n int)
	l       log15.Logger
}

// Option is an option function for Supervisor.
type Option func(s *Supervisor)

// WithLogger configures the logger used by the supervisor. By default,
// nothing is logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Supervisor) {
		s.l = l
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithCountFunc registers a callback invoked with the active connection
// count every time it changes. Intended for wiring a metrics gauge.
func WithCountFunc(fn func(n int)) Option {
	return func(s *Supervisor) {
		s.onCount = fn
	}
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Supervisor{
		conns: make(map[net.Conn]struct{}),
		doneC: make(chan struct{}),
		clock: clock.RealClock{},
		l:     noopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a connection to the in-flight set. It fails with ErrDraining
// once draining has begun; the caller is expected to close the connection.
func (s *Supervisor) Register(c net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	s.conns[c] = struct{}{}
	s.reportLocked()
	return nil
}

// Deregister removes a connection from the in-flight set. Deregistering a
// connection that was never registered is a no-op.
func (s *Supervisor) Deregister(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	s.reportLocked()
	if s.draining && !s.completed && len(s.conns) == 0 {
		s.completeLocked(DrainedNormally)
	}
}

// ActiveCount returns the number of in-flight connections.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Begin stops admission of new connections and starts the drain deadline.
// The deadline is wall-clock: it fires after the given duration regardless
// of whether individual close notifications are lost or delayed. Calling
// Begin again after draining has begun has no effect.
func (s *Supervisor) Begin(timeout time.Duration) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	remaining := len(s.conns)
	if remaining == 0 {
		s.completeLocked(DrainedNormally)
		s.mu.Unlock()
		return
	}
	timer := s.clock.NewTimer(timeout)
	s.mu.Unlock()

	s.l.Info("draining connections", "active", remaining, "timeout", timeout)

	go func() {
		select {
		case <-timer.C():
			s.forceClose()
		case <-s.doneC:
			timer.Stop()
		}
	}()
}

// forceClose abruptly closes every still-registered connection and records
// a timeout outcome.
func (s *Supervisor) forceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.l.Warn("drain deadline elapsed, force-closing connections", "remaining", len(s.conns))
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.reportLocked()
	s.completeLocked(DrainedByTimeout)
}

func (s *Supervisor) completeLocked(o Outcome) {
	s.completed = true
	s.outcome = o
	close(s.doneC)
	s.l.Info("drain complete", "outcome", o)
}

func (s *Supervisor) reportLocked() {
	if s.onCount != nil {
		s.onCount(len(s.conns))
	}
}

// Wait blocks until the drain reaches a terminal outcome. It is idempotent:
// calling it again after completion returns the same outcome without side
// effects.
func (s *Supervisor) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.doneC:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
