// Package periodic drives the timers of the protocol tasks. Every timer is a
// Ticker so tests can substitute a ManualTicker and step time by hand.
package periodic

import (
	"context"
	"time"
)

// Ticker delivers ticks on Chan until Stop is called.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Factory returns a Ticker firing every d.
type Factory func(d time.Duration) Ticker

// wallTicker fires on the system clock.
type wallTicker struct {
	t *time.Ticker
}

func (w wallTicker) Chan() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()                  { w.t.Stop() }

// NewTicker is the Factory backed by time.Ticker. It panics if d is not
// positive; callers validate their intervals first.
func NewTicker(d time.Duration) Ticker {
	return wallTicker{t: time.NewTicker(d)}
}

// ManualTicker only fires when Tick is called.
type ManualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
	}
}

func (t *ManualTicker) Chan() <-chan time.Time {
	return t.c
}

func (t *ManualTicker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}

// Tick delivers one tick and blocks until it is consumed. It returns false if
// the ticker was stopped first.
func (t *ManualTicker) Tick(now time.Time) bool {
	select {
	case t.c <- now:
		return true
	case <-t.stopped:
		return false
	}
}

// Task is run by a Runner on every tick.
type Task interface {
	Run()
}

// TaskFunc adapts a function to a Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// Runner calls a Task on every tick of its Ticker in one goroutine.
type Runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches a Runner. The ticker is owned by the Runner from now on.
func Start(task Task, ticker Ticker) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{cancel: cancel, done: make(chan struct{})}
	go r.loop(ctx, task, ticker)
	return r
}

// Stop halts the Runner and waits for a task run in progress.
func (r *Runner) Stop() {
	r.cancel()
	<-r.done
}

func (r *Runner) loop(ctx context.Context, task Task, ticker Ticker) {
	defer close(r.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		// A tick racing with Stop is dropped.
		if ctx.Err() != nil {
			return
		}
		task.Run()
	}
}
