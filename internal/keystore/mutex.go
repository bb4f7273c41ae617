package keystore

import (
	"context"
	"sync"
)

// namedMutex is a one-slot semaphore. Blocked senders on a channel are
// served in arrival order, which gives waiters FIFO acquisition.
type namedMutex struct {
	sem  chan struct{}
	refs int
}

// mutexRegistry hands out mutexes by name. An entry lives while anyone
// holds or waits for it and is dropped when the last reference goes.
type mutexRegistry struct {
	mu      sync.Mutex
	entries map[string]*namedMutex
}

func newMutexRegistry() *mutexRegistry {
	return &mutexRegistry{entries: make(map[string]*namedMutex)}
}

// acquire blocks until the mutex for key is held or ctx ends. The returned
// release func is safe to call more than once.
func (r *mutexRegistry) acquire(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	m, ok := r.entries[key]
	if !ok {
		m = &namedMutex{sem: make(chan struct{}, 1)}
		r.entries[key] = m
	}
	m.refs++
	r.mu.Unlock()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		r.unref(key, m)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-m.sem
			r.unref(key, m)
		})
	}, nil
}

func (r *mutexRegistry) unref(key string, m *namedMutex) {
	r.mu.Lock()
	m.refs--
	if m.refs == 0 && r.entries[key] == m {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// size returns the number of live entries.
func (r *mutexRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
