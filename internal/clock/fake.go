package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FakeClock is a clockwork.FakeClock whose AfterFunc callbacks run inside
// Advance, synchronously and in deadline order, instead of on their own
// goroutines. A callback scheduled with d <= 0 runs on the next Advance,
// including Advance(0). Callbacks must not call Advance.
type FakeClock struct {
	*clockwork.FakeClock

	// amu keeps a waiter's deadline in step with its clockwork timer
	// when AfterFunc races with Advance.
	amu     sync.Mutex
	mu      sync.Mutex
	cond    *sync.Cond
	waiters map[*fakeWaiter]struct{}
	seq     int
}

type fakeWaiter struct {
	deadline time.Time
	seq      int
	callback func()
	due      bool // the underlying fake timer expired
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{
		FakeClock: clockwork.NewFakeClockAt(initial),
		waiters:   make(map[*fakeWaiter]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AfterFunc registers f to run once the clock has advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	c.amu.Lock()
	defer c.amu.Unlock()
	c.mu.Lock()
	c.seq++
	w := &fakeWaiter{deadline: c.FakeClock.Now().Add(d), seq: c.seq, callback: f}
	c.waiters[w] = struct{}{}
	c.mu.Unlock()

	inner := c.FakeClock.AfterFunc(d, func() {
		c.mu.Lock()
		w.due = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	return &fakeTimer{Timer: inner, c: c, w: w}
}

// Advance moves the clock forward and runs every due callback, including
// callbacks registered by callbacks that are already due.
func (c *FakeClock) Advance(d time.Duration) {
	c.amu.Lock()
	c.FakeClock.Advance(d)
	target := c.FakeClock.Now()
	c.amu.Unlock()
	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			w.callback()
		}
	}
}

// collectDue waits until clockwork delivered every expiry up to target,
// then removes and returns the due waiters in deadline order.
func (c *FakeClock) collectDue(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		var due []*fakeWaiter
		waiting := false
		for w := range c.waiters {
			if w.deadline.After(target) {
				continue
			}
			if !w.due {
				waiting = true
				break
			}
			due = append(due, w)
		}
		if waiting {
			c.cond.Wait()
			continue
		}
		for _, w := range due {
			delete(c.waiters, w)
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].deadline.Equal(due[j].deadline) {
				return due[i].seq < due[j].seq
			}
			return due[i].deadline.Before(due[j].deadline)
		})
		return due
	}
}

// PendingCount reports callbacks that are registered and not yet run or stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) stop(w *fakeWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiters[w]; !ok {
		return false
	}
	delete(c.waiters, w)
	c.cond.Broadcast()
	return true
}

type fakeTimer struct {
	clockwork.Timer
	c *FakeClock
	w *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.Timer.Stop()
	return t.c.stop(t.w)
}
