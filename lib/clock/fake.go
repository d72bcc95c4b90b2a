// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only through Advance. It is
// safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	period   time.Duration // non-zero for tickers
	channel  chan time.Time
	callback func()
	done     bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced by d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&fakeTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f. A non-positive d calls f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	timer := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.addLocked(timer)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(timer) }}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker with non-positive interval")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	timer := &fakeTimer{deadline: c.now.Add(d), period: d, channel: channel}
	c.addLocked(timer)
	c.mu.Unlock()
	return &Ticker{C: channel, stop: func() { c.cancel(timer) }}
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is at or before the new time. A ticker spanning several
// periods fires once per period; ticks that find C full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		timer, fireAt, ok := c.nextDue(target)
		if !ok {
			return
		}
		if timer.callback != nil {
			timer.callback()
			continue
		}
		select {
		case timer.channel <- fireAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers or tickers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount reports the number of pending timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(timer *fakeTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(timer *fakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	c.pending = slices.DeleteFunc(c.pending, func(candidate *fakeTimer) bool {
		return candidate == timer
	})
	return true
}

// nextDue pops the earliest timer due at or before target. Tickers are
// rescheduled one period later instead of removed.
func (c *FakeClock) nextDue(target time.Time) (*fakeTimer, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	earliest := -1
	for index, timer := range c.pending {
		if timer.deadline.After(target) {
			continue
		}
		if earliest < 0 || timer.deadline.Before(c.pending[earliest].deadline) {
			earliest = index
		}
	}
	if earliest < 0 {
		return nil, time.Time{}, false
	}

	timer := c.pending[earliest]
	fireAt := timer.deadline
	if timer.period > 0 {
		timer.deadline = timer.deadline.Add(timer.period)
	} else {
		timer.done = true
		c.pending = slices.Delete(c.pending, earliest, earliest+1)
	}
	return timer, fireAt, true
}
