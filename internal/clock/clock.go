// Package clock provides the uniform time source for all control loops.
// Components never read wall time directly; they receive a Clock so tests
// can drive them with a virtual clock.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer delivers a single tick unless stopped first.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock is the time source injected into every loop.
type Clock interface {
	Now() time.Time

	// NewTicker returns a periodic ticker. A non-zero jitter spreads each
	// tick uniformly within [-jitter/2, +jitter/2] so independent loops
	// do not fire in lockstep.
	NewTicker(interval, jitter time.Duration) Ticker

	// NewTimer returns a single-shot timer.
	NewTimer(d time.Duration) Timer
}

// Real is the production clock backed by the runtime timers.
type Real struct{}

// NewReal creates the production clock.
func NewReal() *Real { return &Real{} }

// Now returns the current wall time in UTC.
func (r *Real) Now() time.Time { return time.Now().UTC() }

// NewTicker returns a jittered ticker.
func (r *Real) NewTicker(interval, jitter time.Duration) Ticker {
	t := &realTicker{
		interval: interval,
		jitter:   jitter,
		ch:       make(chan time.Time, 1),
		stop:     make(chan struct{}),
	}
	go t.run()
	return t
}

// NewTimer returns a single-shot timer.
func (r *Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTicker struct {
	interval time.Duration
	jitter   time.Duration
	ch       chan time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *realTicker) run() {
	for {
		d := t.interval
		if t.jitter > 0 {
			d += time.Duration(rand.Int63n(int64(t.jitter))) - t.jitter/2
			if d <= 0 {
				d = time.Millisecond
			}
		}
		timer := time.NewTimer(d)
		select {
		case <-t.stop:
			timer.Stop()
			return
		case now := <-timer.C:
			// Drop the tick if the consumer is behind; the next tick
			// carries fresher time anyway.
			select {
			case t.ch <- now.UTC():
			default:
			}
		}
	}
}

func (t *realTicker) C() <-chan time.Time { return t.ch }

func (t *realTicker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

type realTimer struct {
	t *time.Timer
}

func (t *realTimer) C() <-chan time.Time { return t.t.C }
func (t *realTimer) Stop() bool          { return t.t.Stop() }
