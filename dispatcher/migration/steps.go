package migration

import (
	"errors"
	"strings"
	"sync"

	"github.com/canonical/vzdispatch/shared/logger"
	"github.com/canonical/vzdispatch/shared/revert"
)

// Steps is the set of completed migration steps.
type Steps uint32

// Migration steps. Each one is recorded only after it succeeded.
const (
	StepUnregisteredFromWatch Steps = 1 << iota
	StepSuspended
	StepExclusiveParamsLocked
	StepConfigBackedUp
	StepAppStarted
	StepStateChanged
)

var stepNames = []string{
	"unregistered-from-watch",
	"suspended",
	"exclusive-params-locked",
	"config-backed-up",
	"app-started",
	"state-changed",
}

// Has reports whether every step in s2 is set in s.
func (s Steps) Has(s2 Steps) bool {
	return s&s2 == s2
}

// String lists the set steps.
func (s Steps) String() string {
	if s == 0 {
		return "none"
	}

	names := []string{}
	for i, name := range stepNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, ",")
}

// Tracker records completed steps together with the closure undoing each of them.
type Tracker struct {
	mu       sync.Mutex
	steps    Steps
	reverter *revert.Reverter
	errs     []error
}

// NewTracker returns a tracker with no completed step.
func NewTracker() *Tracker {
	return &Tracker{reverter: revert.New()}
}

// Do runs do and records step with its undo closure if it succeeds.
func (t *Tracker) Do(step Steps, do func() error, undo func() error) error {
	err := do()
	if err != nil {
		return err
	}

	t.Add(step, undo)

	return nil
}

// Add records an already completed step.
func (t *Tracker) Add(step Steps, undo func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.steps |= step
	t.reverter.Add(func() {
		err := undo()
		if err != nil {
			logger.Warn("Failed undoing migration step", logger.Ctx{"step": step.String(), "err": err})
			t.errs = append(t.errs, err)
		}

		t.steps &^= step
	})
}

// Steps returns the completed steps.
func (t *Tracker) Steps() Steps {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.steps
}

// Rollback undoes the completed steps in reverse order of completion.
// Every undo closure runs even if an earlier one failed.
func (t *Tracker) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errs = nil
	t.reverter.Fail()

	return errors.Join(t.errs...)
}

// Commit forgets the undo closures, keeping every step.
func (t *Tracker) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reverter.Success()
}
