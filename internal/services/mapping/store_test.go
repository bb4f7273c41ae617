package mapping_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/codec"
	"companion/internal/domain"
	"companion/internal/keystore"
	"companion/internal/services/mapping"
)

// recordingBackend counts Set calls and can be told to fail them.
type recordingBackend struct {
	*keystore.Memory
	mu      sync.Mutex
	sets    int
	failSet bool
}

func (b *recordingBackend) Set(ctx context.Context, m domain.KeyMutation) error {
	b.mu.Lock()
	b.sets++
	fail := b.failSet
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.Memory.Set(ctx, m)
}

func (b *recordingBackend) setCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sets
}

func (b *recordingBackend) raw(t *testing.T, id string) (string, bool) {
	t.Helper()
	got, err := b.Memory.Get(context.Background(), domain.KindIdentityMapping, []string{id})
	require.NoError(t, err)
	data, ok := got[id]
	if !ok {
		return "", false
	}
	var v string
	require.NoError(t, codec.Unmarshal(data, &v))
	return v, true
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, opts ...mapping.Option) (*mapping.Store, *recordingBackend, *clock) {
	t.Helper()
	backend := &recordingBackend{Memory: keystore.NewMemory()}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	keys := keystore.New(backend, keystore.Options{MaxCommitRetries: 1})
	opts = append([]mapping.Option{mapping.WithClock(clk.Now)}, opts...)
	return mapping.New(keys, opts...), backend, clk
}

var (
	pnAlice  = domain.MustParseJID("5511999@s.whatsapp.net")
	lidAlice = domain.MustParseJID("8812345@lid")
	pnBob    = domain.MustParseJID("5511000@s.whatsapp.net")
	lidBob   = domain.MustParseJID("8800000@lid")
)

func TestStoreAndResolveBothWays(t *testing.T) {
	s, backend, _ := newStore(t)
	ctx := context.Background()

	s.StoreMappings(ctx, nil, []mapping.Pair{
		{PN: pnAlice, LID: lidAlice},
		{PN: lidBob, LID: pnBob}, // reversed order is accepted
	})
	assert.Equal(t, 1, backend.setCount(), "one transaction for the batch")

	v, ok := backend.raw(t, "5511999")
	require.True(t, ok)
	assert.Equal(t, "8812345", v)
	v, ok = backend.raw(t, "8800000_reverse")
	require.True(t, ok)
	assert.Equal(t, "5511000", v)

	lid, ok, err := s.LIDForPN(ctx, nil, domain.MustParseJID("5511999:3@s.whatsapp.net"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8812345:3@lid", lid.String())

	pn, ok, err := s.PNForLID(ctx, nil, domain.MustParseJID("8800000:2@lid"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5511000:2@s.whatsapp.net", pn.String())
}

func TestHostedServersArePreserved(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})

	lid, ok, err := s.LIDForPN(ctx, nil, domain.MustParseJID("5511999:99@hosted"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8812345:99@hosted.lid", lid.String())

	pn, ok, err := s.PNForLID(ctx, nil, domain.MustParseJID("8812345:99@hosted.lid"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5511999:99@hosted", pn.String())
}

func TestIdenticalMappingIsSkipped(t *testing.T) {
	s, backend, _ := newStore(t)
	ctx := context.Background()
	pairs := []mapping.Pair{{PN: pnAlice, LID: lidAlice}}

	s.StoreMappings(ctx, nil, pairs)
	s.StoreMappings(ctx, nil, pairs)
	assert.Equal(t, 1, backend.setCount())

	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: pnBob}}) // malformed
	s.StoreMappings(ctx, nil, nil)
	assert.Equal(t, 1, backend.setCount())
}

func TestRemapLeavesOneLiveMapping(t *testing.T) {
	s, backend, clk := newStore(t)
	ctx := context.Background()
	newLID := domain.MustParseJID("7700000@lid")

	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})
	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: newLID}})

	_, ok := backend.raw(t, "8812345_reverse")
	assert.False(t, ok, "stale reverse entry removed")

	_, ok, err := s.PNForLID(ctx, nil, lidAlice)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same after the cache is gone.
	clk.Advance(mapping.DefaultTTL + time.Minute)
	_, ok, err = s.PNForLID(ctx, nil, lidAlice)
	require.NoError(t, err)
	assert.False(t, ok)
	lid, ok, err := s.LIDForPN(ctx, nil, pnAlice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newLID, lid)
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	s, backend, _ := newStore(t)
	backend.failSet = true
	ctx := context.Background()

	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})
	assert.Equal(t, 1, backend.setCount())

	lid, ok, err := s.LIDForPN(ctx, nil, pnAlice)
	require.NoError(t, err)
	require.True(t, ok, "cache stays authoritative")
	assert.Equal(t, lidAlice, lid)
}

func TestExpiredEntryFallsBackToStore(t *testing.T) {
	s, backend, clk := newStore(t)
	ctx := context.Background()
	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})

	clk.Advance(mapping.DefaultTTL + time.Second)
	backend.failSet = true // reads still work

	pn, ok, err := s.PNForLID(ctx, nil, lidAlice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pnAlice, pn)
}

func TestRemoteLookupOnMiss(t *testing.T) {
	var mu sync.Mutex
	var asked [][]domain.JID
	s, _, _ := newStore(t, mapping.WithLookup(func(_ context.Context, pns []domain.JID) ([]mapping.Pair, error) {
		mu.Lock()
		asked = append(asked, pns)
		mu.Unlock()
		return []mapping.Pair{{PN: pnBob, LID: lidBob}}, nil
	}))
	ctx := context.Background()
	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})

	unknown := domain.MustParseJID("5500001@s.whatsapp.net")
	res, err := s.LIDsForPNs(ctx, nil, []domain.JID{pnAlice, pnBob, unknown, lidAlice})
	require.NoError(t, err)
	assert.Equal(t, map[domain.JID]domain.JID{pnAlice: lidAlice, pnBob: lidBob}, res)

	mu.Lock()
	require.Len(t, asked, 1)
	assert.ElementsMatch(t, []domain.JID{pnBob, unknown}, asked[0])
	mu.Unlock()

	// Bob is now known locally.
	_, err = s.LIDsForPNs(ctx, nil, []domain.JID{pnBob})
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, asked, 1)
	mu.Unlock()
}

func TestRemoteFailureKeepsPartialResults(t *testing.T) {
	s, _, _ := newStore(t, mapping.WithLookup(func(context.Context, []domain.JID) ([]mapping.Pair, error) {
		return nil, errors.New("timeout")
	}))
	ctx := context.Background()
	s.StoreMappings(ctx, nil, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})

	res, err := s.LIDsForPNs(ctx, nil, []domain.JID{pnAlice, pnBob})
	require.NoError(t, err)
	assert.Equal(t, map[domain.JID]domain.JID{pnAlice: lidAlice}, res)
}

func TestReverseLookupNeverFetches(t *testing.T) {
	called := false
	s, _, _ := newStore(t, mapping.WithLookup(func(context.Context, []domain.JID) ([]mapping.Pair, error) {
		called = true
		return nil, nil
	}))
	_, ok, err := s.PNForLID(context.Background(), nil, lidBob)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestStoreJoinsCallerTransaction(t *testing.T) {
	backend := &recordingBackend{Memory: keystore.NewMemory()}
	keys := keystore.New(backend, keystore.Options{})
	s := mapping.New(keys)
	ctx := context.Background()

	err := keys.Transaction(ctx, nil, "outer", func(ctx context.Context, tx *keystore.Tx) error {
		s.StoreMappings(ctx, tx, []mapping.Pair{{PN: pnAlice, LID: lidAlice}})
		s.StoreMappings(ctx, tx, []mapping.Pair{{PN: pnBob, LID: lidBob}})
		assert.Zero(t, backend.setCount())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.setCount())
}
