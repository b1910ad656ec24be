// Package task implements the cooperative task/timer model described for
// the signaling core: one goroutine-backed task per LAPD engine / NFAS
// group, driven by a single message queue that interleaves frame and
// timer events so nothing is delivered preemptively (spec §5, §9).
package task

import "time"

// Timer is a cooperative, restartable one-shot alarm. Firings are
// delivered on C; the task that owns the Timer calls Start/StartFor/Stop
// and selects on C alongside its other queues, so no locking is needed.
type Timer struct {
	d      time.Duration
	timer  *time.Timer
	C      <-chan time.Time
	active bool
}

// NewTimer creates a stopped Timer with the given default duration.
func NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	if !t.Stop() {
		<-t.C
	}
	return &Timer{d: d, timer: t, C: t.C}
}

// Start (re)arms the timer for its configured duration.
func (t *Timer) Start() {
	t.stopDrain()
	t.timer.Reset(t.d)
	t.active = true
}

// StartFor (re)arms the timer for an explicit duration, overriding the
// configured default for this one shot.
func (t *Timer) StartFor(d time.Duration) {
	t.stopDrain()
	t.timer.Reset(d)
	t.active = true
}

// Stop disarms the timer. Safe to call when already stopped.
func (t *Timer) Stop() {
	t.stopDrain()
	t.active = false
}

// Active reports whether the timer is currently armed.
func (t *Timer) Active() bool { return t.active }

func (t *Timer) stopDrain() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Fired marks the timer as no longer active after its channel delivered;
// callers must invoke this when they consume from C so Active() reflects
// reality.
func (t *Timer) Fired() { t.active = false }
