package metric

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ts = int64(1700000000)

func flushOne(a Aggregate, name string, ctx FlushContext) string {
	var buf bytes.Buffer
	a.Flush(name, ts, ctx, &buf)
	return buf.String()
}

func TestCounterMonotonicitySummation(t *testing.T) {
	c := NewCounter()
	require.NoError(t, c.Apply("gorets", Update{Kind: Counter, Value: 1, SampleRate: 1}))
	require.NoError(t, c.Apply("gorets", Update{Kind: Counter, Value: 1, SampleRate: 1}))
	require.NoError(t, c.Apply("gorets", Update{Kind: Counter, Value: 1, SampleRate: 0.1}))

	out := flushOne(c, "gorets", FlushContext{IntervalSeconds: 10})
	assert.Equal(t, "gorets 12 1700000000\ngorets.rate 1.2 1700000000\n", out)
}

func TestCounterResetsAfterFlush(t *testing.T) {
	c := NewCounter()
	require.NoError(t, c.Apply("x", Update{Kind: Counter, Value: 5, SampleRate: 1}))
	_ = flushOne(c, "x", FlushContext{IntervalSeconds: 10})
	out := flushOne(c, "x", FlushContext{IntervalSeconds: 10})
	assert.Equal(t, "x 0 1700000000\nx.rate 0 1700000000\n", out)
}

func TestGaugeDeltaAndAbsolute(t *testing.T) {
	g := NewGauge()
	require.NoError(t, g.Apply("temp", Update{Kind: Gauge, Value: 20}))
	require.NoError(t, g.Apply("temp", Update{Kind: Gauge, Value: 5, Signed: true}))
	require.NoError(t, g.Apply("temp", Update{Kind: Gauge, Value: -3, Signed: true}))

	out := flushOne(g, "temp", FlushContext{})
	assert.Equal(t, "temp 22 1700000000\n", out)
}

func TestGaugeDeltaWithNoPriorValueBasesZero(t *testing.T) {
	g := NewGauge()
	require.NoError(t, g.Apply("temp", Update{Kind: Gauge, Value: 5, Signed: true}))
	out := flushOne(g, "temp", FlushContext{})
	assert.Equal(t, "temp 5 1700000000\n", out)
}

func TestGaugeNeverResets(t *testing.T) {
	g := NewGauge()
	require.NoError(t, g.Apply("x", Update{Kind: Gauge, Value: 7}))
	_ = flushOne(g, "x", FlushContext{})
	out := flushOne(g, "x", FlushContext{})
	assert.Equal(t, "x 7 1700000000\n", out)
}

func TestTimerPercentilesAndBounds(t *testing.T) {
	timer := NewTimer()
	for _, v := range []float64{100, 200, 300, 400, 500} {
		require.NoError(t, timer.Apply("req", Update{Kind: Timer, Value: v}))
	}
	out := flushOne(timer, "req", FlushContext{Percentiles: []int{90}})

	assert.Contains(t, out, "req.count 5 1700000000")
	assert.Contains(t, out, "req.min 100 1700000000")
	assert.Contains(t, out, "req.max 500 1700000000")
	assert.Contains(t, out, "req.mean 300 1700000000")
	assert.Contains(t, out, "req.upper_90 500 1700000000")
}

func TestTimerPercentileBoundsProperty(t *testing.T) {
	timer := NewTimer()
	values := []float64{5, 1, 9, 3, 7, 2, 8, 4, 6, 10}
	for _, v := range values {
		require.NoError(t, timer.Apply("t", Update{Kind: Timer, Value: v}))
	}
	out := flushOne(timer, "t", FlushContext{Percentiles: []int{5, 50, 90, 99}})
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Contains(line, "upper_") {
			var name string
			var val float64
			var when int64
			_, err := fmt.Sscan(line, &name, &val, &when)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, val, 1.0)
			assert.LessOrEqual(t, val, 10.0)
		}
	}
}

func TestTimerEmptyStillEmitsCount(t *testing.T) {
	timer := NewTimer()
	out := flushOne(timer, "req", FlushContext{})
	assert.Equal(t, "req.count 0 1700000000\n", out)
}

func TestTimerResetsAfterFlush(t *testing.T) {
	timer := NewTimer()
	require.NoError(t, timer.Apply("x", Update{Kind: Timer, Value: 5}))
	_ = flushOne(timer, "x", FlushContext{})
	out := flushOne(timer, "x", FlushContext{})
	assert.Equal(t, "x.count 0 1700000000\n", out)
}

func TestMeterFirstTickSetsInstantRate(t *testing.T) {
	m := NewMeter()
	require.NoError(t, m.Apply("evt", Update{Kind: Meter, Value: 60}))
	out := flushOne(m, "evt", FlushContext{IntervalSeconds: 10})
	assert.Contains(t, out, "evt.count 60 1700000000")
	assert.Contains(t, out, "evt.rate 6 1700000000")
}

func TestMeterCountNeverResets(t *testing.T) {
	m := NewMeter()
	require.NoError(t, m.Apply("evt", Update{Kind: Meter, Value: 10}))
	_ = flushOne(m, "evt", FlushContext{IntervalSeconds: 10})
	require.NoError(t, m.Apply("evt", Update{Kind: Meter, Value: 5}))
	out := flushOne(m, "evt", FlushContext{IntervalSeconds: 10})
	assert.Contains(t, out, "evt.count 15")
}

func TestHistogramSummaryStats(t *testing.T) {
	h := NewHistogram(1028, 0.015, func() time.Time { return time.Unix(0, 0) })
	for _, v := range []float64{1, 2, 3, 4, 5} {
		require.NoError(t, h.Apply("dist", Update{Kind: Histogram, Value: v}))
	}
	out := flushOne(h, "dist", FlushContext{Percentiles: []int{50}})
	assert.Contains(t, out, "dist.count 5 1700000000")
	assert.Contains(t, out, "dist.sum 15 1700000000")
	assert.Contains(t, out, "dist.min 1 1700000000")
	assert.Contains(t, out, "dist.max 5 1700000000")
}

func TestHistogramNeverResetsBetweenFlushes(t *testing.T) {
	h := NewHistogram(1028, 0.015, func() time.Time { return time.Unix(0, 0) })
	require.NoError(t, h.Apply("x", Update{Kind: Histogram, Value: 10}))
	_ = flushOne(h, "x", FlushContext{})
	out := flushOne(h, "x", FlushContext{})
	assert.Contains(t, out, "x.count 1 1700000000")
}

func TestKindMismatchIsError(t *testing.T) {
	c := NewCounter()
	err := c.Apply("mycounter", Update{Kind: Gauge, Value: 1})
	require.Error(t, err)
	var mismatch *ErrKindMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "mycounter", mismatch.Name)
	assert.Contains(t, err.Error(), "mycounter")
}
