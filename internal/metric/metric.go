// Package metric implements the five aggregate kinds of the statspipe
// message processor: counters, gauges, timers, meters and histograms.
// Each kind has its own update/flush/reset contract.
package metric

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/anentropic/statspipe/internal/reservoir"
)

// Kind tags the five supported metric variants.
type Kind int

const (
	Counter Kind = iota
	Gauge
	Timer
	Meter
	Histogram
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Timer:
		return "timer"
	case Meter:
		return "meter"
	case Histogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Update is a single decoded wire update, as produced by internal/parser.
type Update struct {
	Kind       Kind
	Value      float64
	SampleRate float64 // 1.0 when absent
	Signed     bool    // true when a gauge's wire value carried an explicit +/- prefix (a delta); false for other kinds
}

// Aggregate is the contract every metric kind implements.
type Aggregate interface {
	Kind() Kind
	// Apply applies u to the aggregate. name is the metric name this
	// aggregate is registered under, used only to populate
	// ErrKindMismatch with a useful message.
	Apply(name string, u Update) error
	// Flush materializes the aggregate's current state into buf as
	// "<name>... <value> <ts>\n" lines, then performs whatever
	// reset/decay/rescale the kind requires.
	Flush(name string, ts int64, ctx FlushContext, buf *bytes.Buffer)
}

// FlushContext carries the per-flush parameters shared by every
// aggregate: the flush interval (needed by Counter and Meter to compute
// per-second rates) and the configured percentiles. The shared batch
// timestamp is passed to Flush separately.
type FlushContext struct {
	IntervalSeconds float64
	Percentiles     []int
}

// ErrKindMismatch is returned by Apply when an update's kind does not
// match the aggregate already registered for the metric name.
type ErrKindMismatch struct {
	Name     string
	Existing Kind
	Got      Kind
}

func (e *ErrKindMismatch) Error() string {
	return fmt.Sprintf("metric %q is already a %s, cannot apply a %s update", e.Name, e.Existing, e.Got)
}

func writeLine(buf *bytes.Buffer, name string, value float64, ts int64) {
	fmt.Fprintf(buf, "%s %s %d\n", name, formatValue(value), ts)
}

func formatValue(v float64) string {
	return fmt.Sprintf("%g", v)
}

// ---- Counter ----

// CounterAggregate is a monotonic running total reset on every flush.
type CounterAggregate struct {
	total float64
}

func NewCounter() *CounterAggregate { return &CounterAggregate{} }

func (c *CounterAggregate) Kind() Kind { return Counter }

func (c *CounterAggregate) Apply(name string, u Update) error {
	if u.Kind != Counter {
		return &ErrKindMismatch{Name: name, Existing: Counter, Got: u.Kind}
	}
	rate := u.SampleRate
	if rate <= 0 {
		rate = 1
	}
	c.total += u.Value / rate
	return nil
}

func (c *CounterAggregate) Flush(name string, ts int64, ctx FlushContext, buf *bytes.Buffer) {
	writeLine(buf, name, c.total, ts)
	rate := 0.0
	if ctx.IntervalSeconds > 0 {
		rate = c.total / ctx.IntervalSeconds
	}
	writeLine(buf, name+".rate", rate, ts)
	c.total = 0
}

// ---- Gauge ----

// GaugeAggregate holds the last absolute value written; never reset.
type GaugeAggregate struct {
	value float64
	set   bool
}

func NewGauge() *GaugeAggregate { return &GaugeAggregate{} }

func (g *GaugeAggregate) Kind() Kind { return Gauge }

func (g *GaugeAggregate) Apply(name string, u Update) error {
	if u.Kind != Gauge {
		return &ErrKindMismatch{Name: name, Existing: Gauge, Got: u.Kind}
	}
	if u.Signed {
		// A delta with no prior value treats the base as zero.
		g.value += u.Value
	} else {
		g.value = u.Value
	}
	g.set = true
	return nil
}

func (g *GaugeAggregate) Flush(name string, ts int64, _ FlushContext, buf *bytes.Buffer) {
	writeLine(buf, name, g.value, ts)
}

// ---- Timer ----

// TimerAggregate is an unbounded-per-interval vector of observed
// durations, reset on every flush.
type TimerAggregate struct {
	values []float64
}

func NewTimer() *TimerAggregate { return &TimerAggregate{} }

func (t *TimerAggregate) Kind() Kind { return Timer }

func (t *TimerAggregate) Apply(name string, u Update) error {
	if u.Kind != Timer {
		return &ErrKindMismatch{Name: name, Existing: Timer, Got: u.Kind}
	}
	t.values = append(t.values, u.Value)
	return nil
}

func (t *TimerAggregate) Flush(name string, ts int64, ctx FlushContext, buf *bytes.Buffer) {
	n := len(t.values)
	if n == 0 {
		writeLine(buf, name+".count", 0, ts)
		return
	}

	sorted := make([]float64, n)
	copy(sorted, t.values)
	sort.Float64s(sorted)

	min := sorted[0]
	max := sorted[n-1]
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	percentiles := ctx.Percentiles
	if len(percentiles) == 0 {
		percentiles = []int{90}
	}
	for _, p := range percentiles {
		idx := int(math.Ceil(float64(p)/100*float64(n))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		writeLine(buf, fmt.Sprintf("%s.upper_%d", name, p), sorted[idx], ts)
	}

	writeLine(buf, name+".min", min, ts)
	writeLine(buf, name+".max", max, ts)
	writeLine(buf, name+".mean", mean, ts)
	writeLine(buf, name+".count", float64(n), ts)

	t.values = t.values[:0]
}

// ---- Meter ----

// MeterAggregate tracks an event count plus a one-minute EWMA rate.
// The EWMA is hand-rolled rather than built on rcrowley/go-metrics (see
// DESIGN.md) because that library's EWMA assumes a fixed 5-second tick
// window.
type MeterAggregate struct {
	count      float64
	rate       float64
	ticked     bool
	sinceFlush float64
}

func NewMeter() *MeterAggregate { return &MeterAggregate{} }

func (m *MeterAggregate) Kind() Kind { return Meter }

func (m *MeterAggregate) Apply(name string, u Update) error {
	if u.Kind != Meter {
		return &ErrKindMismatch{Name: name, Existing: Meter, Got: u.Kind}
	}
	m.count += u.Value
	m.sinceFlush += u.Value
	return nil
}

func (m *MeterAggregate) Flush(name string, ts int64, ctx FlushContext, buf *bytes.Buffer) {
	if ctx.IntervalSeconds > 0 {
		instantRate := m.sinceFlush / ctx.IntervalSeconds
		if !m.ticked {
			m.rate = instantRate
			m.ticked = true
		} else {
			alpha := 1 - math.Exp(-ctx.IntervalSeconds/60)
			m.rate += alpha * (instantRate - m.rate)
		}
	}
	m.sinceFlush = 0

	writeLine(buf, name+".count", m.count, ts)
	writeLine(buf, name+".rate", m.rate, ts)
}

// ---- Histogram ----

// HistogramAggregate maintains count/sum/min/max plus a decaying
// reservoir for quantile estimation. Never reset; only the reservoir's
// internal landmark drifts via rescaling.
type HistogramAggregate struct {
	count int64
	sum   float64
	min   float64
	max   float64
	set   bool
	res   *reservoir.Reservoir
	clock func() time.Time
}

// NewHistogram builds a histogram backed by a decaying reservoir with
// the given capacity and decay factor. clock, if nil, defaults to
// time.Now and may be overridden for deterministic tests.
func NewHistogram(capacity int, alpha float64, clock func() time.Time, opts ...reservoir.Option) *HistogramAggregate {
	if clock == nil {
		clock = time.Now
	}
	return &HistogramAggregate{
		res:   reservoir.New(capacity, alpha, opts...),
		clock: clock,
	}
}

func (h *HistogramAggregate) Kind() Kind { return Histogram }

func (h *HistogramAggregate) Apply(name string, u Update) error {
	if u.Kind != Histogram {
		return &ErrKindMismatch{Name: name, Existing: Histogram, Got: u.Kind}
	}
	if !h.set {
		h.min, h.max = u.Value, u.Value
		h.set = true
	} else {
		if u.Value < h.min {
			h.min = u.Value
		}
		if u.Value > h.max {
			h.max = u.Value
		}
	}
	h.sum += u.Value
	h.count++
	h.res.Insert(u.Value, h.clock())
	return nil
}

func (h *HistogramAggregate) Flush(name string, ts int64, ctx FlushContext, buf *bytes.Buffer) {
	writeLine(buf, name+".count", float64(h.count), ts)
	writeLine(buf, name+".sum", h.sum, ts)
	writeLine(buf, name+".min", h.min, ts)
	writeLine(buf, name+".max", h.max, ts)

	percentiles := ctx.Percentiles
	if len(percentiles) == 0 {
		percentiles = []int{90}
	}
	for _, p := range percentiles {
		q := h.res.Quantile(float64(p) / 100)
		writeLine(buf, fmt.Sprintf("%s.p%d", name, p), q, ts)
	}
}
