package keystore_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
	"companion/internal/keystore"
)

// countingBackend wraps Memory with call counters and injected failures.
type countingBackend struct {
	*keystore.Memory
	gets     atomic.Int32
	sets     atomic.Int32
	failSets atomic.Int32 // number of upcoming Set calls that fail; -1 fails forever
}

func newCounting() *countingBackend { return &countingBackend{Memory: keystore.NewMemory()} }

var errBackendDown = errors.New("backend down")

func (b *countingBackend) Get(ctx context.Context, kind domain.KeyKind, ids []string) (map[string][]byte, error) {
	b.gets.Add(1)
	return b.Memory.Get(ctx, kind, ids)
}

func (b *countingBackend) Set(ctx context.Context, m domain.KeyMutation) error {
	b.sets.Add(1)
	if n := b.failSets.Load(); n != 0 {
		if n > 0 {
			b.failSets.Add(-1)
		}
		return errBackendDown
	}
	return b.Memory.Set(ctx, m)
}

func fastOpts() keystore.Options {
	return keystore.Options{MaxCommitRetries: 3, DelayBetweenTries: time.Millisecond}
}

func TestTransaction_NestedCommitsOnce(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	s := keystore.New(be, fastOpts())

	err := s.Transaction(ctx, nil, "outer", func(ctx context.Context, tx *keystore.Tx) error {
		require.NoError(t, s.Set(ctx, tx, domain.KeyMutation{domain.KindSession: {"a.0": []byte("1")}}))

		err := s.Transaction(ctx, tx, "inner", func(ctx context.Context, inner *keystore.Tx) error {
			require.Same(t, tx, inner)
			return s.Set(ctx, inner, domain.KeyMutation{domain.KindPreKey: {"5": []byte("pk")}})
		})
		require.NoError(t, err)
		require.Zero(t, be.sets.Load(), "inner transaction must not commit")

		got, err := s.Get(ctx, tx, domain.KindPreKey, []string{"5"})
		require.NoError(t, err)
		require.Equal(t, []byte("pk"), got["5"])
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, be.sets.Load())

	got, err := s.Get(ctx, nil, domain.KindSession, []string{"a.0"})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got["a.0"])
}

func TestTransaction_ReadsFetchedOnce(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	require.NoError(t, be.Memory.Set(ctx, domain.KeyMutation{domain.KindSession: {"x.1": []byte("v")}}))
	s := keystore.New(be, fastOpts())

	err := s.Transaction(ctx, nil, "k", func(ctx context.Context, tx *keystore.Tx) error {
		for range 3 {
			got, err := s.Get(ctx, tx, domain.KindSession, []string{"x.1", "missing.0"})
			require.NoError(t, err)
			require.Equal(t, map[string][]byte{"x.1": []byte("v")}, got)
		}
		require.Equal(t, 1, tx.Queries())
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, be.gets.Load())
	require.Zero(t, be.sets.Load(), "read-only transaction must not write")
}

func TestTransaction_DeleteInsideTxHidesValue(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	require.NoError(t, be.Memory.Set(ctx, domain.KeyMutation{domain.KindPreKey: {"1": []byte("a")}}))
	s := keystore.New(be, fastOpts())

	err := s.Transaction(ctx, nil, "k", func(ctx context.Context, tx *keystore.Tx) error {
		require.NoError(t, s.Set(ctx, tx, domain.KeyMutation{domain.KindPreKey: {"1": nil}}))
		got, err := s.Get(ctx, tx, domain.KindPreKey, []string{"1"})
		require.NoError(t, err)
		require.Empty(t, got)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, be.Len(domain.KindPreKey))
}

func TestTransaction_WorkErrorDiscardsMutations(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	s := keystore.New(be, fastOpts())
	boom := errors.New("boom")

	err := s.Transaction(ctx, nil, "k", func(ctx context.Context, tx *keystore.Tx) error {
		require.NoError(t, s.Set(ctx, tx, domain.KeyMutation{domain.KindSession: {"a.0": []byte("1")}}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, be.sets.Load())
	require.Zero(t, be.Len(domain.KindSession))
}

func TestTransaction_CommitRetries(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	be.failSets.Store(2)
	s := keystore.New(be, fastOpts())

	err := s.Transaction(ctx, nil, "k", func(ctx context.Context, tx *keystore.Tx) error {
		return s.Set(ctx, tx, domain.KeyMutation{domain.KindSession: {"a.0": []byte("1")}})
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, be.sets.Load())
	require.Equal(t, 1, be.Len(domain.KindSession))
}

func TestTransaction_CommitFailureLeavesBackendUntouched(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	require.NoError(t, be.Memory.Set(ctx, domain.KeyMutation{domain.KindSession: {"a.0": []byte("old")}}))
	be.failSets.Store(-1)
	s := keystore.New(be, fastOpts())

	err := s.Transaction(ctx, nil, "k", func(ctx context.Context, tx *keystore.Tx) error {
		return s.Set(ctx, tx, domain.KeyMutation{
			domain.KindSession: {"a.0": []byte("new")},
			domain.KindPreKey:  {"1": []byte("pk")},
		})
	})
	require.ErrorIs(t, err, keystore.ErrCommitFailure)
	var ce *keystore.CommitError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, 3, ce.Attempts)
	require.ErrorIs(t, err, errBackendDown)
	require.EqualValues(t, 3, be.sets.Load())

	got, err := be.Memory.Get(ctx, domain.KindSession, []string{"a.0"})
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got["a.0"])
	require.Zero(t, be.Len(domain.KindPreKey))

	// The lock was released: the same key can be used again.
	be.failSets.Store(0)
	err = s.Transaction(ctx, nil, "k", func(context.Context, *keystore.Tx) error { return nil })
	require.NoError(t, err)
}

func TestTransaction_SameKeySerializes(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemory(), fastOpts())
	counter := keystore.NewBucket[int](s, domain.KindDeviceList)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transaction(ctx, nil, "counter", func(ctx context.Context, tx *keystore.Tx) error {
				v, _, err := counter.GetOne(ctx, tx, "n")
				if err != nil {
					return err
				}
				time.Sleep(2 * time.Millisecond)
				return counter.PutOne(ctx, tx, "n", v+1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, ok, err := counter.GetOne(ctx, nil, "n")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 8, v)
}

func TestGet_OutsideTransactionDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemory(), fastOpts())

	entered := make(chan struct{})
	finish := make(chan struct{})
	go func() {
		_ = s.Transaction(ctx, nil, string(domain.KindSession), func(ctx context.Context, tx *keystore.Tx) error {
			close(entered)
			<-finish
			return nil
		})
	}()
	<-entered
	defer close(finish)

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx, nil, domain.KindSession, []string{"a.0"})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("read outside transaction blocked")
	}
}

func TestRun_ReturnsValueAfterCommit(t *testing.T) {
	ctx := context.Background()
	be := newCounting()
	s := keystore.New(be, fastOpts())

	got, err := keystore.Run(ctx, s, nil, "k", func(ctx context.Context, tx *keystore.Tx) (string, error) {
		return "done", s.Set(ctx, tx, domain.KeyMutation{domain.KindPreKey: {"1": []byte("x")}})
	})
	require.NoError(t, err)
	require.Equal(t, "done", got)
	require.EqualValues(t, 1, be.sets.Load())
}

func TestBucket_TypedRecords(t *testing.T) {
	ctx := context.Background()
	s := keystore.New(keystore.NewMemory(), fastOpts())
	pre := keystore.NewBucket[domain.PreKeyRecord](s, domain.KindPreKey)

	recs := map[string]domain.PreKeyRecord{}
	for i := uint32(1); i <= 3; i++ {
		recs[strconv.Itoa(int(i))] = domain.PreKeyRecord{ID: i, Pub: domain.X25519Public{byte(i)}}
	}
	require.NoError(t, pre.Put(ctx, nil, recs))

	got, err := pre.Get(ctx, nil, "1", "3", "9")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint32(3), got["3"].ID)

	require.NoError(t, pre.Delete(ctx, nil, "1"))
	_, ok, err := pre.GetOne(ctx, nil, "1")
	require.NoError(t, err)
	require.False(t, ok)
}
