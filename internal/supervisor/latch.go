package supervisor

import (
	"sync"
	"time"
)

type latchOutcome int

const (
	latchFired latchOutcome = iota
	latchTimedOut
	latchInterrupted
)

// Latch is a one-shot, re-armable wake-up primitive. Set releases every
// current waiter exactly once per armed cycle; Interrupt releases waiters
// without marking the latch fired, which is how session teardown unblocks a
// pending wait. Callers must Arm before waiting: the latch stays in its
// fired state until the next Arm, so a stale signal from a previous cycle
// cannot leak into a new wait.
type Latch struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
	intr  bool
}

func NewLatch() *Latch {
	l := &Latch{}
	l.Arm()
	return l
}

// Arm resets the latch for a fresh wait cycle.
func (l *Latch) Arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch = make(chan struct{})
	l.fired = false
	l.intr = false
}

// Set fires the latch, waking all waiters. Further Sets in the same cycle
// are no-ops.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || l.intr {
		return
	}
	l.fired = true
	close(l.ch)
}

// Interrupt wakes all waiters without firing the latch.
func (l *Latch) Interrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || l.intr {
		return
	}
	l.intr = true
	close(l.ch)
}

// Fired reports whether the current cycle has been set.
func (l *Latch) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}

// Wait blocks until the latch fires, is interrupted, or the timeout elapses.
// A timeout <= 0 waits indefinitely.
func (l *Latch) Wait(timeout time.Duration) latchOutcome {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return l.outcome()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return l.outcome()
	case <-timer.C:
		return latchTimedOut
	}
}

func (l *Latch) outcome() latchOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return latchFired
	}
	return latchInterrupted
}
