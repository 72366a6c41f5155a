// Command statspipe is a metrics aggregation daemon in the StatsD
// lineage: it ingests UDP datagrams, aggregates them into typed
// metrics, and periodically flushes summarized samples to one or more
// Carbon/Graphite sinks, sharded by consistent hashing when more than
// one sink is configured.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anentropic/statspipe/internal/config"
	"github.com/anentropic/statspipe/internal/logging"
	"github.com/anentropic/statspipe/internal/parser"
	"github.com/anentropic/statspipe/internal/processor"
	"github.com/anentropic/statspipe/internal/router"
	"github.com/anentropic/statspipe/internal/scheduler"
	"github.com/anentropic/statspipe/internal/sink"
	"github.com/anentropic/statspipe/internal/telemetry"
	"github.com/davecheney/profile"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "Enable debug logging")

// shutdownDeadline bounds the final sink flush during graceful
// shutdown.
const shutdownDeadline = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "statspipe:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log := logging.New(*debug)

	if cfg.CPUProfile || cfg.MemProfile || cfg.BlockProfile {
		p := profile.Start(&profile.Config{
			CPUProfile:   cfg.CPUProfile,
			MemProfile:   cfg.MemProfile,
			BlockProfile: cfg.BlockProfile,
			ProfilePath:  ".",
		})
		defer p.Stop()
	}

	proc := processor.New(processor.Config{
		Prefix:            cfg.InstanceName,
		Percentiles:       cfg.Percentiles,
		ReservoirCapacity: cfg.ReservoirSize,
		ReservoirAlpha:    cfg.ReservoirAlpha,
		Log:               log,
	})

	ring := router.New(cfg.Sinks, cfg.VirtualNodes)
	sinks := make(map[string]*sink.Client, len(cfg.Sinks))
	for _, addr := range cfg.Sinks {
		sinks[addr] = sink.New(addr, sink.WithLogger(log))
	}

	var tel *telemetry.Telemetry
	if cfg.MetricsAddr != "" {
		tel = telemetry.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The ingest listener gets its own cancellation so it can be torn
	// down first on shutdown, before the final flush runs — datagrams
	// arriving once shutdown begins must be dropped, not processed.
	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	defer ingestCancel()

	for _, c := range sinks {
		go c.Run(ctx)
	}
	if tel != nil {
		go func() {
			if err := tel.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.WithError(err).Warn("telemetry server stopped")
			}
		}()
	}

	lastDrops := make(map[string]uint64, len(sinks))
	onTick := func(now time.Time) {
		flushAndRoute(proc, ring, sinks, tel, lastDrops, now, cfg.FlushInterval)
	}

	sched, err := scheduler.New(cfg.FlushInterval, clockwork.NewRealClock(), onTick, log)
	if err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	sched.Start()

	listener, err := listenUDP(ingestCtx, cfg.ListenPort, proc, log)
	if err != nil {
		return fmt.Errorf("binding UDP listener: %w", err)
	}
	defer listener.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")

	// Stop ingest first: cancel its context and close the socket so the
	// read loop unblocks and exits immediately, before the final flush
	// runs. Any datagram arriving from here on is dropped.
	ingestCancel()
	_ = listener.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()
	_ = sched.Shutdown(shutdownCtx)

	// Final flush, then drain every sink with a bounded deadline.
	flushAndRoute(proc, ring, sinks, tel, lastDrops, time.Now(), cfg.FlushInterval)
	for addr, c := range sinks {
		if !c.Flush(shutdownDeadline) {
			log.WithField("sink", addr).Warn("shutdown deadline exceeded with lines still buffered")
		}
	}
	cancel()

	return nil
}

// flushAndRoute runs one flush-pipeline tick: processor.Flush produces
// a batch of lines, each line is routed to its sink by the consistent
// hash ring, and the resulting per-sink batches are handed off to the
// sink clients' bounded buffers.
func flushAndRoute(proc *processor.Processor, ring *router.Ring, sinks map[string]*sink.Client, tel *telemetry.Telemetry, lastDrops map[string]uint64, now time.Time, interval time.Duration) {
	start := time.Now()
	batch := proc.Flush(now, interval.Seconds())

	perSink := make(map[string][][]byte, len(sinks))
	for _, raw := range bytes.Split(batch, []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		line := append(append([]byte(nil), raw...), '\n')
		dest := ring.RouteLine(string(raw))
		perSink[dest] = append(perSink[dest], line)
	}

	for addr, lines := range perSink {
		if c, ok := sinks[addr]; ok {
			c.Enqueue(lines)
		}
	}

	if tel != nil {
		tel.FlushDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
		received, bad := proc.Counts()
		tel.MessagesReceived.Add(float64(received))
		tel.MessagesBad.Add(float64(bad))
		for addr, c := range sinks {
			drops := c.Drops()
			tel.SinkDrops.WithLabelValues(addr).Add(float64(drops - lastDrops[addr]))
			lastDrops[addr] = drops
		}
	}
}

// listenUDP binds the ingest socket and consumes datagrams on a single
// goroutine, so that within-datagram and across-datagram ordering is
// exactly receipt order without needing a hand-off channel into the
// processor.
func listenUDP(ctx context.Context, port int, proc *processor.Processor, log logrus.FieldLogger) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		buf := make([]byte, 64*1024)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("udp read error")
				continue
			}
			if ctx.Err() != nil {
				// Shutdown began between the read unblocking and this
				// check: the datagram arrived during shutdown, so it is
				// dropped rather than processed.
				return
			}
			datagram := make([]byte, n)
			copy(datagram, buf[:n])

			lines, bad := parser.ParseDatagram(datagram)
			for i := 0; i < bad; i++ {
				proc.RecordParseError()
			}
			for _, l := range lines {
				if err := proc.Process(l.Name, l.Update); err != nil {
					log.WithError(err).WithField("name", l.Name).Debug("discarding update")
				}
			}
		}
	}()

	log.WithField("port", port).Info("listening for statsd datagrams")
	return conn, nil
}
