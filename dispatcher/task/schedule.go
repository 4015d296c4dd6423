package task

import (
	"errors"
	"time"
)

// Schedule returns how long to wait before the next run of a task function.
//
// It is evaluated right before each run. A nil error runs the function. ErrSkip
// skips this run only. Any other error is logged and skips the run as well. The
// returned interval is waited in every case; zero or less parks the task until
// it is reset.
type Schedule func() (time.Duration, error)

// ErrSkip skips one run of the task function.
var ErrSkip = errors.New("Skip execution of task function")

// EveryOption tweaks an Every schedule.
type EveryOption func(*every)

type every struct {
	skipFirst bool
}

// SkipFirst makes an Every schedule skip its very first run.
func SkipFirst(e *every) {
	e.skipFirst = true
}

// Every returns a Schedule running a task at a fixed interval, starting now.
func Every(interval time.Duration, options ...EveryOption) Schedule {
	e := &every{}
	for _, option := range options {
		option(e)
	}

	first := true
	return func() (time.Duration, error) {
		var err error
		if first && e.skipFirst {
			err = ErrSkip
		}

		first = false

		if interval <= 0 {
			return 0, ErrSkip
		}

		return interval, err
	}
}
