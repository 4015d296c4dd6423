package peers

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	defer r.Stop()

	assert.False(t, r.Authorized("a"))

	r.Put(Record{Handle: "a", AuthorizationInProgress: true})
	assert.False(t, r.Authorized("a"), "pending records are not trusted")

	ok := r.Update("a", func(rec *Record) { rec.AuthorizationInProgress = false })
	require.True(t, ok)
	assert.True(t, r.Authorized("a"))

	rec, ok := r.Get("a")
	require.True(t, ok)
	rec.AuthorizationInProgress = true
	assert.True(t, r.Authorized("a"), "Get returns a copy")

	assert.False(t, r.Update("missing", func(*Record) {}))
	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, 0, r.Len())
}

func TestPutIfAbsentRace(t *testing.T) {
	r := NewRegistry()
	defer r.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			if r.PutIfAbsent(Record{Handle: "peer", Session: &Session{ID: fmt.Sprint(i)}}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, r.Len())
}

func TestRemovalSubscription(t *testing.T) {
	r := NewRegistry()
	defer r.Stop()

	removed := []string{}
	unsubscribe := r.Subscribe(func(handle string) {
		// Subscribers may call back into the registry.
		assert.Equal(t, 1, r.Len())
		removed = append(removed, handle)
	})

	r.Put(Record{Handle: "a"})
	r.Put(Record{Handle: "b"})
	r.Remove("a")
	r.Remove("missing")

	unsubscribe()
	r.Remove("b")

	assert.Equal(t, []string{"a"}, removed)
}

func TestStoppedRegistry(t *testing.T) {
	r := NewRegistry()
	r.Put(Record{Handle: "a"})
	r.Stop()
	r.Stop()

	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.False(t, r.PutIfAbsent(Record{Handle: "b"}))

	r.SetShuttingDown()
	assert.True(t, r.ShuttingDown())
}
