// Package ratelimiter implements a process-wide, calendar-day-bucketed
// admission counter.
package ratelimiter

import (
	"sync"
	"time"
)

// Stats is a snapshot of the limiter's current day bucket.
type Stats struct {
	Count     int
	Limit     int
	Remaining int
}

// Decision is the outcome of a check or consume call.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
}

// DailyLimiter gates admission to at most Limit operations per local
// calendar day. A Limit <= 0 disables the limiter entirely: every call to
// Consume is allowed and never increments the counter.
//
// Every operation (Check, Consume, Refund, StatsNow) performs the day
// rollover reset and its own read or update as a single atomic step under
// mu; no separate reset path exists.
type DailyLimiter struct {
	mu         sync.Mutex
	limit      int
	currentDay string
	count      int
	now        func() time.Time
}

// New constructs a DailyLimiter with the given daily limit.
func New(limit int) *DailyLimiter {
	return &DailyLimiter{limit: limit, now: time.Now}
}

func (l *DailyLimiter) resetIfNewDay() {
	today := l.now().Format("2006-01-02")
	if today != l.currentDay {
		l.currentDay = today
		l.count = 0
	}
}

// Check inspects the limiter without mutating the count.
func (l *DailyLimiter) Check() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1, Limit: l.limit}
	}
	remaining := l.limit - l.count
	return Decision{Allowed: remaining > 0, Remaining: remaining, Limit: l.limit}
}

// Consume performs the same day-rollover check as Check, then increments
// the count iff the limit has not yet been reached.
func (l *DailyLimiter) Consume() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1, Limit: l.limit}
	}
	if l.count >= l.limit {
		return Decision{Allowed: false, Remaining: 0, Limit: l.limit}
	}
	l.count++
	return Decision{Allowed: true, Remaining: l.limit - l.count, Limit: l.limit}
}

// Refund returns one consumed slot, used when admission was granted but the
// job was rejected downstream (queue full) and never created. A refund
// after the day has rolled over is dropped rather than credited to the new
// day.
func (l *DailyLimiter) Refund() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	if l.limit <= 0 || l.count == 0 {
		return
	}
	l.count--
}

// StatsNow returns the current day's {count, limit, remaining}.
func (l *DailyLimiter) StatsNow() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	remaining := -1
	if l.limit > 0 {
		remaining = l.limit - l.count
	}
	return Stats{Count: l.count, Limit: l.limit, Remaining: remaining}
}
