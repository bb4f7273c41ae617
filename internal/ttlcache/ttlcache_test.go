package ttlcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion/internal/ttlcache"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestCache_Expires(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := ttlcache.New[string, int](time.Minute, ttlcache.WithClock[string, int](clk.now))

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	clk.t = clk.t.Add(59 * time.Second)
	_, ok = c.Get("a")
	require.True(t, ok)

	clk.t = clk.t.Add(time.Second)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestCache_SetRefreshesAndDelete(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := ttlcache.New[string, string](time.Minute, ttlcache.WithClock[string, string](clk.now))

	c.Set("k", "v1")
	clk.t = clk.t.Add(50 * time.Second)
	c.Set("k", "v2")
	clk.t = clk.t.Add(50 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)

	c.Delete("k")
	_, ok = c.Get("k")
	require.False(t, ok)

	c.Set("x", "y")
	c.Flush()
	require.Equal(t, 0, c.Len())
}
