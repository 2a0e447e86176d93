// Package clock provides a deterministic, subscribable time source.
// Simulation time only moves when Advance is called (or via the optional
// auto-run pacing loop), so backtests never depend on the wall clock.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InvalidTimeError is returned when an advance would move time backward.
type InvalidTimeError struct {
	Current   time.Time
	Requested time.Time
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("cannot move clock backward: now=%s requested=%s",
		e.Current.Format(time.RFC3339Nano), e.Requested.Format(time.RFC3339Nano))
}

// Subscriber is invoked synchronously on every advance with the new time.
// A failing subscriber is isolated: its error is logged and the remaining
// subscribers still run.
type Subscriber func(now time.Time) error

// Clock is a deterministic time source. Instances are passed explicitly to
// the components that need them; there is no process-wide clock.
type Clock struct {
	mu          sync.Mutex
	logger      *zap.Logger
	now         time.Time
	subscribers []Subscriber

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New creates a clock starting at the given time.
func New(logger *zap.Logger, start time.Time) *Clock {
	return &Clock{
		logger: logger,
		now:    start,
	}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Subscribe registers a callback invoked on every advance, in registration
// order.
func (c *Clock) Subscribe(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Advance moves time forward by d and notifies subscribers. A negative d
// returns InvalidTimeError and leaves the clock untouched.
func (c *Clock) Advance(d time.Duration) error {
	c.mu.Lock()
	if d < 0 {
		err := &InvalidTimeError{Current: c.now, Requested: c.now.Add(d)}
		c.mu.Unlock()
		return err
	}
	c.now = c.now.Add(d)
	now := c.now
	subs := make([]Subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	c.notify(subs, now)
	return nil
}

// AdvanceTo moves time forward to t. Equivalent to Advance(t - Now()) with
// the same backward guard.
func (c *Clock) AdvanceTo(t time.Time) error {
	c.mu.Lock()
	if t.Before(c.now) {
		err := &InvalidTimeError{Current: c.now, Requested: t}
		c.mu.Unlock()
		return err
	}
	c.now = t
	subs := make([]Subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	c.notify(subs, t)
	return nil
}

// notify dispatches synchronously in registration order. Subscriber errors
// and panics are logged, never propagated.
func (c *Clock) notify(subs []Subscriber, now time.Time) {
	for i, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("clock subscriber panicked",
						zap.Int("subscriber", i),
						zap.Any("panic", r),
					)
				}
			}()
			if err := fn(now); err != nil {
				c.logger.Error("clock subscriber failed",
					zap.Int("subscriber", i),
					zap.Error(err),
				)
			}
		}()
	}
}

// Start begins auto-run mode: the clock advances by granularity on every
// tick. speed scales pacing: speed=0 ticks as fast as the scheduler allows
// (instant mode for backtests), speed=1 paces one granularity per real
// granularity (real-time parity testing), speed=2 runs twice real time.
// Start is a no-op if auto-run is already active.
func (c *Clock) Start(ctx context.Context, granularity time.Duration, speed float64) {
	c.mu.Lock()
	if c.cancelRun != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			if speed > 0 {
				sleep := time.Duration(float64(granularity) / speed)
				select {
				case <-runCtx.Done():
					return
				case <-time.After(sleep):
				}
			}
			if err := c.Advance(granularity); err != nil {
				c.logger.Error("auto-run advance failed", zap.Error(err))
				return
			}
		}
	}()
}

// Stop cancels the auto-run pacing loop and waits for it to exit.
// Notifications already dispatched are not rolled back.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel := c.cancelRun
	done := c.runDone
	c.cancelRun = nil
	c.runDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
