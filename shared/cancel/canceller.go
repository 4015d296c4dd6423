package cancel

import (
	"context"
	"sync"
)

// Canceller is a simple wrapper for a cancellable context which makes the associated context.CancelFunc more easily
// accessible. Hooks registered with OnCancel run once, in registration order, the first time Cancel is called.
type Canceller struct {
	context.Context

	cancel context.CancelFunc
	mu     sync.Mutex
	hooks  []func()
	done   bool
}

// New returns a new canceller with the parent context.
func New(ctx context.Context) *Canceller {
	ctx, cancel := context.WithCancel(ctx)
	return &Canceller{
		Context: ctx,
		cancel:  cancel,
	}
}

// Cancel cancels the context and runs the registered hooks.
func (c *Canceller) Cancel() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}

	c.done = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.cancel()

	for _, hook := range hooks {
		hook()
	}
}

// Cancelled returns true once Cancel has been called or the parent context is done.
func (c *Canceller) Cancelled() bool {
	return c.Err() != nil
}

// OnCancel registers a hook. The returned function removes it again.
// If the canceller is already cancelled the hook runs immediately.
func (c *Canceller) OnCancel(hook func()) func() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		hook()
		return func() {}
	}

	c.hooks = append(c.hooks, hook)
	idx := len(c.hooks) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if idx < len(c.hooks) {
			c.hooks[idx] = func() {}
		}
	}
}
