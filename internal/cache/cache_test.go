// SPDX-License-Identifier: MPL-2.0

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_GetMissThenHit(t *testing.T) {
	c := New(0)

	_, ok := c.Get("k")
	require.False(t, ok)

	v, err := c.Do("k", time.Minute, nil, func() (any, error) { return "value", nil })
	require.NoError(t, err)
	require.Equal(t, "value", v)

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "value", got)
}

func TestCache_SingleFlight(t *testing.T) {
	c := New(0)

	var calls atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	const n = 10
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err := c.Do("shared", time.Minute, nil, func() (any, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)
				return "computed", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, "computed", v)
	}
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	c := New(0)

	var calls atomic.Int32
	_, err := c.Do("k", time.Minute, nil, func() (any, error) {
		calls.Add(1)
		return nil, errFailed
	})
	require.ErrorIs(t, err, errFailed)

	v, err := c.Do("k", time.Minute, nil, func() (any, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, int32(2), calls.Load())
}

var errFailed = errTest("computation failed")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestCache_TTLExpiry(t *testing.T) {
	c := New(0)

	_, err := c.Do("k", 10*time.Millisecond, nil, func() (any, error) { return "v", nil })
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestCache_SizeBoundEvictsOldest(t *testing.T) {
	c := New(10)

	size := func(any) int64 { return 6 }
	_, err := c.Do("a", time.Minute, size, func() (any, error) { return "aaaaaa", nil })
	require.NoError(t, err)
	_, err = c.Do("b", time.Minute, size, func() (any, error) { return "bbbbbb", nil })
	require.NoError(t, err)

	// 12 bytes > 10: the older entry goes.
	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.True(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestCache_PurgeDropsExpired(t *testing.T) {
	c := New(0)
	_, err := c.Do("short", 5*time.Millisecond, nil, func() (any, error) { return 1, nil })
	require.NoError(t, err)
	_, err = c.Do("long", time.Minute, nil, func() (any, error) { return 2, nil })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	c.Purge()

	require.Equal(t, 1, c.Len())
	_, ok := c.Get("long")
	require.True(t, ok)
}
