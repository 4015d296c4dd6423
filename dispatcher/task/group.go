package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Group is a set of tasks started and stopped together.
type Group struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	tasks   []*Task
	running map[string]bool
}

// Add registers f under name. Tasks added after Start run on the next Start.
func (g *Group) Add(name string, f Func, schedule Schedule) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &Task{
		name:     name,
		f:        f,
		schedule: schedule,
		reset:    make(chan struct{}, 1),
	}

	g.tasks = append(g.tasks, t)

	return t
}

// Start runs every task of the group that isn't running yet.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, g.cancel = context.WithCancel(ctx)

	if g.running == nil {
		g.running = map[string]bool{}
	}

	for _, t := range g.tasks {
		if g.running[t.name] {
			continue
		}

		g.running[t.name] = true
		g.wg.Add(1)

		go func(t *Task) {
			defer g.wg.Done()

			t.loop(ctx)

			g.mu.Lock()
			g.running[t.name] = false
			g.mu.Unlock()
		}(t)
	}
}

// Stop cancels all tasks and waits for them to return.
//
// Idle tasks return right away, busy ones once their function observes the
// cancelled context. An error naming the stragglers is returned if timeout
// expires first.
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	names := []string{}
	for name, running := range g.running {
		if running {
			names = append(names, name)
		}
	}

	return fmt.Errorf("Task(s) still running: %v", names)
}

// Start runs a single task until the returned stop function is called.
func Start(ctx context.Context, name string, f Func, schedule Schedule) (stop func(time.Duration) error, reset func()) {
	g := &Group{}
	t := g.Add(name, f, schedule)
	g.Start(ctx)

	return g.Stop, t.Reset
}
