// Package reservoir implements a forward-decaying priority reservoir
// sample, after Cormode, Shkapenyuk, Srivastava & Xu, "Forward Decay: A
// Practical Time Decay Model for Streaming Systems" (ICDE '09).
//
// A sample's weight grows as exp(alpha * (t - L)) where L is a landmark
// time that is periodically shifted forward ("rescaled") to keep the
// exponent from overflowing float64.
package reservoir

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// DefaultRescaleInterval matches the 1-hour threshold from the original
// exponentially decaying sample implementation.
const DefaultRescaleInterval = time.Hour

// Clock supplies the two time sources the reservoir needs: a monotonic
// clock for the decay landmark, and a wall clock for deciding when a
// rescale is due. Production code should pass time.Now for both; tests
// can fix either independently.
type Clock struct {
	Monotonic func() time.Time
	Wall      func() time.Time
}

func defaultClock() Clock {
	return Clock{Monotonic: time.Now, Wall: time.Now}
}

// Reservoir is a bounded, exponentially-decaying sample of float64
// values. It is not safe for concurrent use; callers (the message
// processor) are expected to serialize access.
type Reservoir struct {
	capacity        int
	alpha           float64
	rescaleInterval time.Duration
	clock           Clock

	values          map[float64]float64
	count           uint64
	startTime       time.Time
	nextRescaleTime time.Time

	rnd *rand.Rand
}

// Option configures a Reservoir at construction time.
type Option func(*Reservoir)

// WithClock overrides the default wall-clock/monotonic-clock source.
// Intended for deterministic tests.
func WithClock(c Clock) Option {
	return func(r *Reservoir) {
		r.clock = c
	}
}

// WithRescaleInterval overrides DefaultRescaleInterval.
func WithRescaleInterval(d time.Duration) Option {
	return func(r *Reservoir) {
		r.rescaleInterval = d
	}
}

// WithSource overrides the uniform random source used to jitter
// priorities. Defaults to a source of the reservoir's own, seeded from
// the current time.
func WithSource(src rand.Source) Option {
	return func(r *Reservoir) {
		r.rnd = rand.New(src)
	}
}

// New creates a Reservoir with the given capacity and decay factor.
// capacity and alpha mirror the reservoir-size / reservoir-alpha
// configuration options; capacity must be > 0 and alpha must be > 0.
func New(capacity int, alpha float64, opts ...Option) *Reservoir {
	r := &Reservoir{
		capacity:        capacity,
		alpha:           alpha,
		rescaleInterval: DefaultRescaleInterval,
		clock:           defaultClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r.Clear()
	return r
}

// Clear empties the reservoir and resets the decay landmark to now.
func (r *Reservoir) Clear() {
	r.values = make(map[float64]float64, r.capacity)
	r.count = 0
	r.startTime = r.clock.Monotonic()
	r.nextRescaleTime = r.clock.Wall().Add(r.rescaleInterval)
}

// Size returns the number of samples currently held.
func (r *Reservoir) Size() int {
	if int(r.count) < r.capacity {
		return int(r.count)
	}
	return r.capacity
}

// Count returns the total number of inserts since the last Clear,
// including ones that were rejected by the reservoir.
func (r *Reservoir) Count() uint64 {
	return r.count
}

// weight is exp(alpha * t), t measured relative to the landmark.
func (r *Reservoir) weight(t float64) float64 {
	return math.Exp(r.alpha * t)
}

// Insert adds value as observed at time t (normally time.Now(), but
// callers may supply an explicit timestamp to backfill historical
// values), using forward-decaying priority sampling: priority =
// exp(alpha*elapsed) / u, and the lowest-priority sample is evicted
// once the reservoir is full.
func (r *Reservoir) Insert(value float64, t time.Time) {
	elapsed := t.Sub(r.startTime).Seconds()
	u := r.rnd.Float64()
	for u == 0 {
		u = r.rnd.Float64()
	}
	priority := r.weight(elapsed) / u

	r.count++
	if len(r.values) < r.capacity {
		if _, exists := r.values[priority]; !exists {
			r.values[priority] = value
		}
	} else {
		minPriority := r.minKey()
		if priority > minPriority {
			// Ties keep the existing entry; a colliding priority is
			// vanishingly unlikely with float64 keys; the existing entry
			// wins on a collision, handled explicitly below.
			if _, exists := r.values[priority]; !exists {
				delete(r.values, minPriority)
				r.values[priority] = value
			}
		}
	}

	if !r.clock.Wall().Before(r.nextRescaleTime) {
		r.rescale()
	}
}

func (r *Reservoir) minKey() float64 {
	min := math.Inf(1)
	for k := range r.values {
		if k < min {
			min = k
		}
	}
	return min
}

// rescale shifts the decay landmark forward and rewrites every stored
// priority relative to the new landmark, preserving relative order.
func (r *Reservoir) rescale() {
	now := r.clock.Wall()
	r.nextRescaleTime = now.Add(r.rescaleInterval)

	oldStart := r.startTime
	newStart := r.clock.Monotonic()
	r.startTime = newStart

	factor := math.Exp(-r.alpha * newStart.Sub(oldStart).Seconds())

	rescaled := make(map[float64]float64, len(r.values))
	for k, v := range r.values {
		rescaled[k*factor] = v
	}
	r.values = rescaled
}

// Snapshot returns the stored values ordered by ascending priority. It
// performs no mutation.
func (r *Reservoir) Snapshot() []float64 {
	keys := make([]float64, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = r.values[k]
	}
	return out
}

// Quantile returns the value at the given quantile (0 <= q <= 1) of the
// current snapshot, using the nearest-rank method:
// index = floor(q * (n - 1)).
func (r *Reservoir) Quantile(q float64) float64 {
	snap := r.Snapshot()
	if len(snap) == 0 {
		return 0
	}
	idx := int(math.Floor(q * float64(len(snap)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(snap) {
		idx = len(snap) - 1
	}
	return snap[idx]
}
