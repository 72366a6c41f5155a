package reservoir

import (
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) Clock {
	return Clock{
		Monotonic: func() time.Time { return start },
		Wall:      func() time.Time { return start },
	}
}

func TestSizeBound(t *testing.T) {
	start := time.Unix(0, 0)
	r := New(10, 0.015, WithClock(fixedClock(start)), WithSource(rand.NewSource(1)))

	for i := 0; i < 1000; i++ {
		r.Insert(float64(i), start)
	}

	assert.LessOrEqual(t, r.Size(), 10)
	assert.Equal(t, uint64(1000), r.Count())
}

func TestSnapshotOrderedAscendingByPriority(t *testing.T) {
	start := time.Unix(0, 0)
	r := New(100, 0.015, WithClock(fixedClock(start)), WithSource(rand.NewSource(1)))
	for i := 0; i < 50; i++ {
		r.Insert(float64(i), start)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 50)
	// every value must be finite
	for _, v := range snap {
		assert.False(t, math.IsInf(v, 0))
		assert.False(t, math.IsNaN(v))
	}
	// snap[i] must be the value stored under the i-th smallest priority
	keys := make([]float64, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	for i, k := range keys {
		assert.Equal(t, r.values[k], snap[i])
	}
}

func TestRescalePreservesOrder(t *testing.T) {
	now := time.Unix(0, 0)
	wall := now
	clk := Clock{
		Monotonic: func() time.Time { return now },
		Wall:      func() time.Time { return wall },
	}
	r := New(2000, 0.015, WithClock(clk), WithRescaleInterval(0), WithSource(rand.NewSource(42)))

	before := make([]float64, 0)
	for i := 0; i < 2000; i++ {
		v := float64(i)
		now = now.Add(time.Second * 3)
		wall = wall.Add(time.Second * 3)
		r.Insert(v, now)
		before = r.Snapshot()
		for p := range r.values {
			assert.False(t, math.IsInf(p, 0) || math.IsNaN(p))
		}
	}

	// One more rescale with no insert in between must leave the snapshot's
	// values and their order unchanged.
	now = now.Add(time.Hour)
	wall = wall.Add(time.Hour)
	r.rescale()
	after := r.Snapshot()
	assert.Equal(t, before, after)
}

func TestQuantileEmptyIsZero(t *testing.T) {
	r := New(10, 0.015)
	assert.Equal(t, float64(0), r.Quantile(0.5))
}

func TestQuantileNearestRank(t *testing.T) {
	start := time.Unix(0, 0)
	r := New(100, 0.015, WithClock(fixedClock(start)), WithSource(rand.NewSource(7)))
	for i := 1; i <= 10; i++ {
		r.Insert(float64(i), start)
	}
	// all inserted at the same instant so priorities are driven purely by
	// the uniform jitter; the set of values present is still {1..10}.
	snap := r.Snapshot()
	require.Len(t, snap, 10)
	q := r.Quantile(1.0)
	assert.Equal(t, snap[len(snap)-1], q)
}

func TestClearResetsLandmarkAndCount(t *testing.T) {
	now := time.Unix(100, 0)
	clk := Clock{
		Monotonic: func() time.Time { return now },
		Wall:      func() time.Time { return now },
	}
	r := New(10, 0.015, WithClock(clk))
	r.Insert(1, now)
	r.Insert(2, now)
	now = now.Add(time.Minute)
	r.Clear()
	assert.Equal(t, uint64(0), r.Count())
	assert.Equal(t, 0, r.Size())
	assert.Equal(t, now, r.startTime)
}
