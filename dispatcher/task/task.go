// Package task runs the periodic housekeeping of the dispatcher.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/canonical/vzdispatch/shared/logger"
)

// Func is a function run by a Task.
//
// It must return promptly once the given context is done.
type Func func(ctx context.Context)

// Task runs a Func according to a Schedule.
type Task struct {
	name     string
	f        Func
	schedule Schedule
	reset    chan struct{}
}

// Reset makes the task run its function right away and restarts its schedule.
func (t *Task) Reset() {
	select {
	case t.reset <- struct{}{}:
	default:
	}
}

func (t *Task) loop(ctx context.Context) {
	l := logger.AddContext(logger.Ctx{"task": t.name})

	delay := immediately
	for {
		// A nil channel parks the task until it is reset.
		var timer <-chan time.Time
		var tm *time.Timer

		switch {
		case delay == immediately:
			fire := make(chan time.Time, 1)
			fire <- time.Now()
			timer = fire
		case delay > 0:
			tm = time.NewTimer(delay)
			timer = tm.C
		}

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}

			return

		case <-t.reset:
			if tm != nil {
				tm.Stop()
			}

			delay = immediately
			continue

		case <-timer:
		}

		interval, err := t.schedule()
		switch {
		case err == nil:
			t.f(ctx)
		case errors.Is(err, ErrSkip):
		default:
			l.Warn("Task schedule failed", logger.Ctx{"err": err})
		}

		delay = max(interval, 0)
	}
}

// immediately is the delay of the first run and of runs after a reset.
const immediately = time.Duration(-1)
