// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by every eddi
// component that has a deadline: broker expiry, message TTLs, the
// fortress heartbeat and State Store polling, and client dial budgets.
//
// Production code holds a Clock (Real()) instead of calling the time
// package. Tests hold a *FakeClock whose time moves only when Advance
// is called, which makes TTL boundaries exact:
//
//	fake := clock.Fake(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
//	queue := fortress.NewQueue(fake, 5*time.Minute, 1000)
//	queue.Send(sender, "hello")
//	fake.Advance(5 * time.Minute) // the message is now expired
//
// Goroutines that register a timer race with the test that advances
// the clock. WaitForTimers closes that race: it blocks until the
// expected number of timers is pending.
package clock
