package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic clock for tests. Time only moves when
// Advance is called; due tickers and timers fire synchronously before
// Advance returns, so waiters observe ticks without real sleeping.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*virtualWaiter
}

// NewVirtual creates a virtual clock starting at the given instant.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start.UTC()}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves virtual time forward, firing every ticker and timer whose
// deadline falls within the advanced window, in deadline order.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)

	for {
		next := v.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		v.now = next.deadline
		next.fireLocked(v.now)
	}

	v.now = target
	v.mu.Unlock()
}

// nextDeadlineLocked returns the earliest live waiter due at or before
// target, or nil.
func (v *Virtual) nextDeadlineLocked(target time.Time) *virtualWaiter {
	live := v.waiters[:0]
	for _, w := range v.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	v.waiters = live

	sort.SliceStable(v.waiters, func(i, j int) bool {
		return v.waiters[i].deadline.Before(v.waiters[j].deadline)
	})
	for _, w := range v.waiters {
		if !w.deadline.After(target) {
			return w
		}
	}
	return nil
}

// NewTicker returns a virtual ticker. Jitter is ignored: determinism wins
// in tests.
func (v *Virtual) NewTicker(interval, _ time.Duration) Ticker {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &virtualWaiter{
		clock:    v,
		ch:       make(chan time.Time, 64),
		deadline: v.now.Add(interval),
		interval: interval,
	}
	v.waiters = append(v.waiters, w)
	return w
}

// NewTimer returns a virtual single-shot timer.
func (v *Virtual) NewTimer(d time.Duration) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &virtualWaiter{
		clock:    v,
		ch:       make(chan time.Time, 1),
		deadline: v.now.Add(d),
	}
	v.waiters = append(v.waiters, w)
	return &virtualTimer{w: w}
}

type virtualTimer struct {
	w *virtualWaiter
}

func (t *virtualTimer) C() <-chan time.Time { return t.w.ch }

func (t *virtualTimer) Stop() bool {
	t.w.clock.mu.Lock()
	defer t.w.clock.mu.Unlock()
	pending := !t.w.stopped
	t.w.stopped = true
	return pending
}

type virtualWaiter struct {
	clock    *Virtual
	ch       chan time.Time
	deadline time.Time
	interval time.Duration // zero for timers
	stopped  bool
}

func (w *virtualWaiter) fireLocked(now time.Time) {
	select {
	case w.ch <- now:
	default:
	}
	if w.interval > 0 {
		w.deadline = now.Add(w.interval)
	} else {
		w.stopped = true
	}
}

func (w *virtualWaiter) C() <-chan time.Time { return w.ch }

func (w *virtualWaiter) Stop() {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	w.stopped = true
}
