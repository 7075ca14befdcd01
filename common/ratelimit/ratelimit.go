// Package ratelimit provides a delay-based task scheduler with
// multiplicative backoff on failure and multiplicative recovery on success.
//
// Unlike a fixed-window limiter, the Limiter paces a FIFO queue of pending
// tasks: at most one task is dispatched per current delay interval, and the
// delay grows when callers report failures and shrinks when they report
// successes.  The bridge keeps one process-wide instance shared by every
// Gitter stream so that total reconnect pressure stays bounded no matter how
// many rooms are linked.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter schedules queued tasks no faster than one per current delay.
// It is safe for concurrent use from multiple goroutines.
type Limiter struct {
	mu            sync.Mutex
	min           time.Duration
	max           time.Duration
	failMult      float64
	successMult   float64
	delay         time.Duration
	lastScheduled time.Time
	queue         []func()
	timer         *time.Timer
	stopped       bool
}

// New creates a Limiter.  min and max bound the delay between dispatches;
// failMult (> 1) multiplies the delay on Fail, successMult (in (0, 1])
// multiplies it on Success.  The initial delay is min.
func New(min, max time.Duration, failMult, successMult float64) *Limiter {
	if min <= 0 {
		min = time.Millisecond
	}
	if max < min {
		max = min
	}
	if failMult <= 1 {
		failMult = 2
	}
	if successMult <= 0 || successMult > 1 {
		successMult = 0.5
	}
	return &Limiter{
		min:         min,
		max:         max,
		failMult:    failMult,
		successMult: successMult,
		delay:       min,
	}
}

// Schedule appends f to the queue.  If the queue was empty a single timer is
// armed for whenever the current delay interval next allows a dispatch; when
// it fires, one task runs and, if more are pending, the next timer is armed
// for exactly the current delay.  Tasks run on the timer goroutine.
func (l *Limiter) Schedule(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}

	l.queue = append(l.queue, f)
	if len(l.queue) == 1 {
		wait := time.Until(l.lastScheduled.Add(l.delay))
		if wait < 0 {
			wait = 0
		}
		l.timer = time.AfterFunc(wait, l.fire)
	}
}

// fire pops and runs exactly one queued task.
func (l *Limiter) fire() {
	l.mu.Lock()
	if l.stopped || len(l.queue) == 0 {
		l.mu.Unlock()
		return
	}
	f := l.queue[0]
	l.queue = l.queue[1:]
	l.lastScheduled = time.Now()
	if len(l.queue) > 0 {
		l.timer = time.AfterFunc(l.delay, l.fire)
	}
	l.mu.Unlock()

	f()
}

// Success shrinks the delay toward min.  Only future schedules are affected;
// an already-armed timer keeps its deadline.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.delay = time.Duration(float64(l.delay) * l.successMult)
	if l.delay < l.min {
		l.delay = l.min
	}
}

// Fail grows the delay toward max.  Only future schedules are affected.
func (l *Limiter) Fail() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.delay = time.Duration(float64(l.delay) * l.failMult)
	if l.delay > l.max {
		l.delay = l.max
	}
}

// Delay returns the current delay between dispatches.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// Stop cancels the armed timer and drops all pending tasks.  Pending tasks
// are reconnect attempts, which are meaningless once the process is exiting.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
	}
	l.queue = nil
}
