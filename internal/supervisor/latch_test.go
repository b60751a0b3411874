package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchSetWakesWaiter(t *testing.T) {
	l := NewLatch()

	done := make(chan latchOutcome, 1)
	go func() {
		done <- l.Wait(5 * time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	l.Set()

	select {
	case outcome := <-done:
		assert.Equal(t, latchFired, outcome)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.True(t, l.Fired())
}

func TestLatchWaitTimeout(t *testing.T) {
	l := NewLatch()

	start := time.Now()
	outcome := l.Wait(100 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, latchTimedOut, outcome)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.False(t, l.Fired())
}

func TestLatchInterrupt(t *testing.T) {
	l := NewLatch()

	done := make(chan latchOutcome, 1)
	go func() {
		done <- l.Wait(0) // indefinite
	}()

	time.Sleep(50 * time.Millisecond)
	l.Interrupt()

	select {
	case outcome := <-done:
		assert.Equal(t, latchInterrupted, outcome)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.False(t, l.Fired())
}

func TestLatchRearmClearsFiredEvent(t *testing.T) {
	l := NewLatch()
	l.Set()
	require.True(t, l.Fired())

	l.Arm()
	assert.False(t, l.Fired())

	outcome := l.Wait(50 * time.Millisecond)
	assert.Equal(t, latchTimedOut, outcome)
}

func TestLatchSetIsIdempotent(t *testing.T) {
	l := NewLatch()
	l.Set()
	l.Set()
	l.Set()

	assert.Equal(t, latchFired, l.Wait(time.Second))
}

func TestLatchReleasesAllWaiters(t *testing.T) {
	l := NewLatch()

	var wg sync.WaitGroup
	outcomes := make(chan latchOutcome, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- l.Wait(5 * time.Second)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	l.Set()
	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		assert.Equal(t, latchFired, outcome)
	}
}
