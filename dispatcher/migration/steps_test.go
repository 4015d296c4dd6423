package migration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acquisition is the order the source takes its steps in.
var acquisition = []Steps{
	StepExclusiveParamsLocked,
	StepUnregisteredFromWatch,
	StepSuspended,
	StepConfigBackedUp,
	StepStateChanged,
	StepAppStarted,
}

func TestRollbackEverySubset(t *testing.T) {
	for mask := Steps(0); mask < 1<<len(acquisition); mask++ {
		t.Run(mask.String(), func(t *testing.T) {
			tracker := NewTracker()
			undone := []Steps{}
			taken := []Steps{}

			for _, step := range acquisition {
				if !mask.Has(step) {
					continue
				}

				err := tracker.Do(step, func() error { return nil }, func() error {
					undone = append(undone, step)
					return nil
				})
				require.NoError(t, err)

				taken = append(taken, step)
			}

			// A failing step is never recorded.
			err := tracker.Do(StepAppStarted<<1, func() error { return errors.New("boom") }, func() error {
				t.Fatal("Undo of a failed step must not run")
				return nil
			})
			require.Error(t, err)
			assert.Equal(t, mask, tracker.Steps())

			require.NoError(t, tracker.Rollback())

			for i, j := 0, len(taken)-1; i < j; i, j = i+1, j-1 {
				taken[i], taken[j] = taken[j], taken[i]
			}

			assert.Equal(t, taken, undone)
			assert.Equal(t, Steps(0), tracker.Steps())
		})
	}
}

func TestRollbackRunsEveryUndo(t *testing.T) {
	tracker := NewTracker()
	ran := 0

	tracker.Add(StepExclusiveParamsLocked, func() error { ran++; return nil })
	tracker.Add(StepSuspended, func() error { ran++; return errors.New("resume failed") })
	tracker.Add(StepStateChanged, func() error { ran++; return nil })

	err := tracker.Rollback()
	assert.ErrorContains(t, err, "resume failed")
	assert.Equal(t, 3, ran)
	assert.Equal(t, Steps(0), tracker.Steps())
}

func TestCommitKeepsSteps(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(StepExclusiveParamsLocked, func() error {
		t.Fatal("Committed steps must not be undone")
		return nil
	})

	tracker.Commit()
	assert.NoError(t, tracker.Rollback())
}

func TestStepsString(t *testing.T) {
	assert.Equal(t, "none", Steps(0).String())
	assert.Equal(t, "unregistered-from-watch,exclusive-params-locked", (StepUnregisteredFromWatch | StepExclusiveParamsLocked).String())
	assert.True(t, (StepSuspended | StepAppStarted).Has(StepAppStarted))
	assert.False(t, StepSuspended.Has(StepSuspended|StepAppStarted))
}
