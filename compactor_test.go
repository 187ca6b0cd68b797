package persistcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactInvalidFraction(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	assert.ErrorIs(t, e.Compact(0), ErrInvalidTarget)
	assert.ErrorIs(t, e.Compact(1), ErrInvalidTarget)
	assert.ErrorIs(t, e.Compact(-0.5), ErrInvalidTarget)
}

func TestCompactEvictsLowTierLRUFirst(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	// 10 low-priority entries with strictly increasing recency, plus higher
	// tiers that must stay untouched.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("low-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityLow,
		}))
		clock.Advance(time.Second)
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("normal-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityNormal,
		}))
		require.NoError(t, e.Set(fmt.Sprintf("high-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityHigh,
		}))
		require.NoError(t, e.Set(fmt.Sprintf("pinned-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityNeverRemove,
		}))
	}

	// 25 entries total, fraction 0.2 -> target 5.
	require.NoError(t, e.Compact(0.2))

	assert.Equal(t, 20, e.Len())
	for i := 0; i < 5; i++ {
		ok, _ := e.Contains(fmt.Sprintf("low-%d", i))
		assert.False(t, ok, "low-%d is among the least recently used and must be evicted", i)
	}
	for i := 5; i < 10; i++ {
		ok, _ := e.Contains(fmt.Sprintf("low-%d", i))
		assert.True(t, ok, "low-%d is more recent and must survive", i)
	}
	for i := 0; i < 5; i++ {
		ok, _ := e.Contains(fmt.Sprintf("normal-%d", i))
		assert.True(t, ok)
		ok, _ = e.Contains(fmt.Sprintf("high-%d", i))
		assert.True(t, ok)
		ok, _ = e.Contains(fmt.Sprintf("pinned-%d", i))
		assert.True(t, ok)
	}
}

func TestCompactCrossesTiersInOrder(t *testing.T) {
	e := newTestEngine(t, newFakeClock())

	for i := 0; i < 2; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("low-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityLow,
		}))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("normal-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityNormal,
		}))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("high-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityHigh,
		}))
	}

	// 10 entries, fraction 0.5 -> target 5: both low entries plus three
	// normals; the high tier is never reached.
	require.NoError(t, e.Compact(0.5))

	assert.Equal(t, 5, e.Len())
	for i := 0; i < 2; i++ {
		ok, _ := e.Contains(fmt.Sprintf("low-%d", i))
		assert.False(t, ok)
	}
	survivingNormal := 0
	for i := 0; i < 4; i++ {
		if ok, _ := e.Contains(fmt.Sprintf("normal-%d", i)); ok {
			survivingNormal++
		}
	}
	assert.Equal(t, 1, survivingNormal)
	for i := 0; i < 4; i++ {
		ok, _ := e.Contains(fmt.Sprintf("high-%d", i))
		assert.True(t, ok)
	}
}

func TestCompactExpiredCoverTarget(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	e := newTestEngine(t, clock)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("stale-%d", i), "v", &EntryPolicy[string, string]{
			AbsoluteExpirationFromNow: time.Second,
		}))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("live-%d", i), "v", &EntryPolicy[string, string]{
			Priority:  PriorityLow,
			OnEvicted: []EvictionCallback[string, string]{rec.callback()},
		}))
	}
	clock.Advance(time.Minute)

	// Target 3 < 4 expired entries: the sweep alone reclaims enough and no
	// live entry may be touched.
	require.NoError(t, e.Compact(0.3))

	assert.Equal(t, 6, e.Len())
	assert.Equal(t, 0, rec.count(ReasonCapacity))
}

func TestCompactNeverRemoveSurvivesAnyPressure(t *testing.T) {
	e := newTestEngine(t, newFakeClock())

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("pinned-%d", i), "v", &EntryPolicy[string, string]{
			Priority: PriorityNeverRemove,
		}))
	}
	require.NoError(t, e.Set("low", "v", &EntryPolicy[string, string]{Priority: PriorityLow}))

	require.NoError(t, e.Compact(0.99))

	assert.Equal(t, 10, e.Len())
	ok, _ := e.Contains("low")
	assert.False(t, ok)
	for i := 0; i < 10; i++ {
		ok, _ := e.Contains(fmt.Sprintf("pinned-%d", i))
		assert.True(t, ok)
	}
}
