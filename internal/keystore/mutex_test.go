package keystore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func refs(r *mutexRegistry, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.entries[key]; ok {
		return m.refs
	}
	return 0
}

func TestMutexRegistry_DropsEntryWhenUnused(t *testing.T) {
	r := newMutexRegistry()
	release, err := r.acquire(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 1, r.size())

	release()
	release()
	require.Equal(t, 0, r.size())
}

func TestMutexRegistry_FIFO(t *testing.T) {
	r := newMutexRegistry()
	ctx := context.Background()

	hold, err := r.acquire(ctx, "k")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := r.acquire(ctx, "k")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}()
		want := i + 2
		require.Eventually(t, func() bool { return refs(r, "k") == want }, time.Second, time.Millisecond)
		// Give the waiter time to park on the semaphore after taking its ref.
		time.Sleep(5 * time.Millisecond)
	}

	hold()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.Equal(t, 0, r.size())
}

func TestMutexRegistry_CancelledWaiterReleasesRef(t *testing.T) {
	r := newMutexRegistry()
	hold, err := r.acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, refs(r, "k"))

	hold()
	require.Equal(t, 0, r.size())
}

func TestMutexRegistry_KeysAreIndependent(t *testing.T) {
	r := newMutexRegistry()
	ctx := context.Background()
	a, err := r.acquire(ctx, "a")
	require.NoError(t, err)
	defer a()

	done := make(chan struct{})
	go func() {
		b, err := r.acquire(ctx, "b")
		if err == nil {
			b()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
