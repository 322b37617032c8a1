package ble

import (
	"time"

	"github.com/benbjohnson/clock"
)

// scanTimer is the timeout governor for a single scan attempt. It is only
// touched from the dispatcher goroutine; the timer callback just posts a
// scanTimedOut event tagged with the generation that armed it.
type scanTimer struct {
	clock   clock.Clock
	timeout time.Duration
	post    func(Event)

	timer *clock.Timer
	gen   uint64
}

func newScanTimer(clk clock.Clock, timeout time.Duration, post func(Event)) *scanTimer {
	return &scanTimer{clock: clk, timeout: timeout, post: post}
}

// arm disarms any running timer and starts a fresh one.
func (t *scanTimer) arm() {
	t.disarm()
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.timeout, func() {
		t.post(scanTimedOut{gen: gen})
	})
}

// disarm stops the running timer. A timeout already queued by it becomes
// stale.
func (t *scanTimer) disarm() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
}

// armed reports whether a timer is running.
func (t *scanTimer) armed() bool {
	return t.timer != nil
}

// claim reports whether a timeout with generation gen belongs to the
// running timer, and if so marks the timer as spent.
func (t *scanTimer) claim(gen uint64) bool {
	if t.timer == nil || gen != t.gen {
		return false
	}
	t.timer = nil
	return true
}
