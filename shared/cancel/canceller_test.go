package cancel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelRunsHooksOnce(t *testing.T) {
	c := New(context.Background())

	calls := []string{}
	c.OnCancel(func() { calls = append(calls, "first") })
	remove := c.OnCancel(func() { calls = append(calls, "removed") })
	c.OnCancel(func() { calls = append(calls, "last") })
	remove()

	assert.False(t, c.Cancelled())
	c.Cancel()
	c.Cancel()

	assert.True(t, c.Cancelled())
	assert.Equal(t, []string{"first", "last"}, calls)
}

func TestOnCancelAfterCancel(t *testing.T) {
	c := New(context.Background())
	c.Cancel()

	ran := false
	c.OnCancel(func() { ran = true })
	assert.True(t, ran)
}

func TestParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent)
	cancel()

	<-c.Done()
	assert.True(t, c.Cancelled())
}
