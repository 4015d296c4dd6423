package task_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/dispatcher/task"
)

// The task function runs as soon as the task starts.
func TestTask_ExecuteImmediately(t *testing.T) {
	f, wait := newFunc(t, 1)
	defer startTask(t, f, task.Every(time.Second))()
	wait(100 * time.Millisecond)
}

// The task function runs again once the interval elapses.
func TestTask_ExecutePeriodically(t *testing.T) {
	f, wait := newFunc(t, 2)
	defer startTask(t, f, task.Every(250*time.Millisecond))()
	wait(100 * time.Millisecond)
	wait(400 * time.Millisecond)
}

// A reset runs the function right away and restarts the interval.
func TestTask_Reset(t *testing.T) {
	f, wait := newFunc(t, 3)
	stop, reset := task.Start(context.Background(), "reset", f, task.Every(250*time.Millisecond))
	defer func() { assert.NoError(t, stop(time.Second)) }()

	wait(50 * time.Millisecond)
	reset()
	wait(50 * time.Millisecond)
	wait(400 * time.Millisecond)
}

// A zero interval never runs the function.
func TestTask_ZeroInterval(t *testing.T) {
	f, _ := newFunc(t, 0)
	defer startTask(t, f, task.Every(0))()

	time.Sleep(100 * time.Millisecond)
}

func TestTask_ScheduleError(t *testing.T) {
	schedule := func() (time.Duration, error) {
		return 0, errors.New("boom")
	}

	f, _ := newFunc(t, 0)
	defer startTask(t, f, schedule)()

	time.Sleep(100 * time.Millisecond)
}

// A failed schedule evaluation is retried after the returned interval.
func TestTask_ScheduleTemporaryError(t *testing.T) {
	errored := false
	schedule := func() (time.Duration, error) {
		if !errored {
			errored = true
			return time.Millisecond, errors.New("boom")
		}

		return time.Second, nil
	}

	f, wait := newFunc(t, 1)
	defer startTask(t, f, schedule)()
	wait(50 * time.Millisecond)
}

func TestTask_SkipFirst(t *testing.T) {
	var i atomic.Int32
	f := func(context.Context) {
		i.Add(1)
	}

	defer startTask(t, f, task.Every(250*time.Millisecond, task.SkipFirst))()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), i.Load())
}

// Stopping the group cancels the context of a busy task function.
func TestGroup_StopBusy(t *testing.T) {
	started := make(chan struct{})
	g := &task.Group{}
	g.Add("busy", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, task.Every(time.Minute))
	g.Add("idle", func(context.Context) {}, task.Every(time.Minute, task.SkipFirst))

	g.Start(context.Background())
	<-started

	require.NoError(t, g.Stop(time.Second))
}

func TestGroup_StopTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	g := &task.Group{}
	g.Add("stuck", func(context.Context) {
		close(started)
		<-release
	}, task.Every(time.Minute))

	g.Start(context.Background())
	<-started

	err := g.Stop(50 * time.Millisecond)
	assert.ErrorContains(t, err, "stuck")
}

func TestGroup_StopNotStarted(t *testing.T) {
	g := &task.Group{}
	assert.NoError(t, g.Stop(time.Second))
}

// newFunc returns a task function notifying a channel on every run along with
// a wait function failing the test when no run happens within the timeout.
// The function fails the test when it runs more than n times.
func newFunc(t *testing.T, n int) (task.Func, func(time.Duration)) {
	i := 0
	notifications := make(chan struct{})
	f := func(context.Context) {
		if i == n {
			t.Errorf("Task was supposed to be called at most %d times", n)
			return
		}

		notifications <- struct{}{}
		i++
	}

	wait := func(timeout time.Duration) {
		select {
		case <-notifications:
		case <-time.After(timeout):
			t.Fatalf("No notification received in %s", timeout)
		}
	}

	return f, wait
}

func startTask(t *testing.T, f task.Func, schedule task.Schedule) func() {
	stop, _ := task.Start(context.Background(), t.Name(), f, schedule)
	return func() {
		assert.NoError(t, stop(time.Second))
	}
}
