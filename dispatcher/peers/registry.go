package peers

import (
	"sync"
	"sync/atomic"

	"github.com/canonical/vzdispatch/shared/logger"
)

// RemovalFunc is notified after a connection left the registry.
type RemovalFunc func(handle string)

type request struct {
	fn   func(conns map[string]*Record)
	done chan struct{}
}

// Registry holds the peer connections. A single goroutine owns the map and
// every operation runs as a closure on that goroutine, so no caller ever holds
// a lock while doing I/O.
type Registry struct {
	requests chan request
	stop     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	subMu   sync.Mutex
	subs    map[int]RemovalFunc
	nextSub int

	shutdown atomic.Bool
}

// NewRegistry starts the owner goroutine of an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		requests: make(chan request),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		subs:     map[int]RemovalFunc{},
	}

	go r.loop()

	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)

	conns := map[string]*Record{}
	for {
		select {
		case req := <-r.requests:
			req.fn(conns)
			close(req.done)
		case <-r.stop:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
// It returns false once the registry is stopped.
func (r *Registry) do(fn func(conns map[string]*Record)) bool {
	req := request{fn: fn, done: make(chan struct{})}

	select {
	case r.requests <- req:
	case <-r.stopped:
		return false
	}

	<-req.done

	return true
}

// Stop terminates the owner goroutine.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.stopped
}

// Put inserts or replaces rec.
func (r *Registry) Put(rec Record) {
	r.do(func(conns map[string]*Record) {
		stored := rec
		conns[rec.Handle] = &stored
	})
}

// PutIfAbsent inserts rec unless its handle is already registered.
func (r *Registry) PutIfAbsent(rec Record) bool {
	inserted := false
	r.do(func(conns map[string]*Record) {
		_, ok := conns[rec.Handle]
		if ok {
			return
		}

		stored := rec
		conns[rec.Handle] = &stored
		inserted = true
	})

	return inserted
}

// Get returns a copy of the record for handle.
func (r *Registry) Get(handle string) (Record, bool) {
	var rec Record
	found := false

	r.do(func(conns map[string]*Record) {
		stored, ok := conns[handle]
		if ok {
			rec = *stored
			found = true
		}
	})

	return rec, found
}

// Authorized returns true if handle is registered and fully trusted.
func (r *Registry) Authorized(handle string) bool {
	rec, ok := r.Get(handle)

	return ok && rec.Trusted()
}

// Update applies fn to the stored record of handle.
func (r *Registry) Update(handle string, fn func(rec *Record)) bool {
	found := false
	r.do(func(conns map[string]*Record) {
		stored, ok := conns[handle]
		if ok {
			fn(stored)
			found = true
		}
	})

	return found
}

// Remove deletes handle and notifies subscribers when it was present.
func (r *Registry) Remove(handle string) bool {
	removed := false
	r.do(func(conns map[string]*Record) {
		_, removed = conns[handle]
		delete(conns, handle)
	})

	if removed {
		logger.Debug("Dispatcher connection removed", logger.Ctx{"handle": handle})
		r.notify(handle)
	}

	return removed
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	count := 0
	r.do(func(conns map[string]*Record) {
		count = len(conns)
	})

	return count
}

// Handles returns the registered handles.
func (r *Registry) Handles() []string {
	var handles []string
	r.do(func(conns map[string]*Record) {
		for handle := range conns {
			handles = append(handles, handle)
		}
	})

	return handles
}

// Subscribe registers fn for removal notifications. The returned function unsubscribes.
func (r *Registry) Subscribe(fn RemovalFunc) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()

		delete(r.subs, id)
	}
}

func (r *Registry) notify(handle string) {
	r.subMu.Lock()
	subs := make([]RemovalFunc, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}

	r.subMu.Unlock()

	for _, fn := range subs {
		fn(handle)
	}
}

// SetShuttingDown makes new authorizations fail.
func (r *Registry) SetShuttingDown() {
	r.shutdown.Store(true)
}

// ShuttingDown reports whether the dispatcher is stopping.
func (r *Registry) ShuttingDown() bool {
	return r.shutdown.Load()
}
