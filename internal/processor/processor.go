// Package processor implements the single-writer message processor:
// the actor that owns the metric registry, applies decoded updates,
// and produces flush batches.
package processor

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anentropic/statspipe/internal/metric"
	"github.com/anentropic/statspipe/internal/reservoir"
	"github.com/sirupsen/logrus"
)

// Config bundles the parameters needed to construct new aggregates and
// to run a flush.
type Config struct {
	Prefix            string
	Percentiles       []int
	ReservoirCapacity int
	ReservoirAlpha    float64
	// HistogramClock, if set, is passed to new histograms as the source
	// of the timestamp each value is inserted into the reservoir with.
	// Defaults to time.Now. The reservoir's own landmark and rescale
	// clocks are set through ReservoirOption.
	HistogramClock  func() time.Time
	ReservoirOption []reservoir.Option
	Log             logrus.FieldLogger
}

// Processor is the single-writer actor owning the metric registry. All
// exported methods serialize on an internal mutex: callers may invoke
// Process from many ingest goroutines and Flush from the scheduler
// concurrently, but no two calls ever observe a half-applied update.
type Processor struct {
	mu       sync.Mutex
	cfg      Config
	registry map[string]metric.Aggregate

	received uint64
	bad      uint64

	lastReceived uint64
	lastBad      uint64
}

// New creates an empty Processor. The registry is populated lazily as
// names are first seen.
func New(cfg Config) *Processor {
	if cfg.HistogramClock == nil {
		cfg.HistogramClock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Processor{
		cfg:      cfg,
		registry: make(map[string]metric.Aggregate),
	}
}

func (p *Processor) newAggregate(kind metric.Kind) metric.Aggregate {
	switch kind {
	case metric.Counter:
		return metric.NewCounter()
	case metric.Gauge:
		return metric.NewGauge()
	case metric.Timer:
		return metric.NewTimer()
	case metric.Meter:
		return metric.NewMeter()
	case metric.Histogram:
		return metric.NewHistogram(p.cfg.ReservoirCapacity, p.cfg.ReservoirAlpha, p.cfg.HistogramClock, p.cfg.ReservoirOption...)
	default:
		return nil
	}
}

// Process looks up or lazily creates the aggregate for name and applies
// u. A kind mismatch against an already-registered name is reported as
// an error and counted against the bad-messages self-metric; it is the
// caller's responsibility not to propagate the error further up —
// ingest errors are isolated per line.
func (p *Processor) Process(name string, u metric.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.received++

	agg, exists := p.registry[name]
	if !exists {
		agg = p.newAggregate(u.Kind)
		p.registry[name] = agg
	}
	if err := agg.Apply(name, u); err != nil {
		p.bad++
		return err
	}
	return nil
}

// RecordParseError increments the bad-messages self-metric for a line
// that never reached Process (e.g. it failed to parse).
func (p *Processor) RecordParseError() {
	p.mu.Lock()
	p.bad++
	p.mu.Unlock()
}

func (p *Processor) prefixed(suffix string) string {
	if p.cfg.Prefix == "" {
		return suffix
	}
	return p.cfg.Prefix + "." + suffix
}

// Flush walks the registry in deterministic (name-sorted) order,
// concatenates each aggregate's flush lines, and appends the processor
// self-metrics. now is the wall-clock instant used for every line's
// timestamp; intervalSeconds is the interval the counter and meter
// rates are computed over.
func (p *Processor) Flush(now time.Time, intervalSeconds float64) []byte {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	ts := now.Unix()
	ctx := metric.FlushContext{
		IntervalSeconds: intervalSeconds,
		Percentiles:     p.cfg.Percentiles,
	}

	names := make([]string, 0, len(p.registry))
	for name := range p.registry {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		p.registry[name].Flush(name, ts, ctx, &buf)
	}

	fmt.Fprintf(&buf, "%s %d %d\n", p.prefixed("messages.received"), p.received, ts)
	fmt.Fprintf(&buf, "%s %d %d\n", p.prefixed("messages.bad"), p.bad, ts)
	p.lastReceived = p.received
	p.lastBad = p.bad
	p.received = 0
	p.bad = 0

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	fmt.Fprintf(&buf, "%s %g %d\n", p.prefixed("flush.duration_ms"), durationMs, ts)

	return buf.Bytes()
}

// RegistrySize reports how many distinct metric names are registered,
// for diagnostics/tests.
func (p *Processor) RegistrySize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registry)
}

// Counts reports the messages.received/messages.bad totals emitted by
// the most recent Flush, for mirroring those self-metrics into other
// exposition formats (e.g. Prometheus) without re-parsing the flushed
// lines.
func (p *Processor) Counts() (received, bad uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReceived, p.lastBad
}
