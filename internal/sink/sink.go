// Package sink implements a resilient Carbon/Graphite line-protocol TCP
// client: a persistent connection with a bounded
// outbound buffer, drop-oldest overflow policy, and exponential
// reconnect backoff.
package sink

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// State is the sink client's connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnected (on error).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxBufferBytes is the soft cap on buffered, unsent bytes.
	DefaultMaxBufferBytes = 64 * 1024
	// DefaultMaxBufferLines is the soft cap on buffered, unsent lines.
	DefaultMaxBufferLines = 1000

	dialTimeout = 5 * time.Second
)

// Client is a single sink's TCP connection plus its outbound buffer.
// It must be driven by Run in its own goroutine; Enqueue is safe to
// call concurrently from the flush pipeline.
type Client struct {
	addr string
	log  logrus.FieldLogger

	maxBufferBytes int
	maxBufferLines int

	mu         sync.Mutex
	buffered   [][]byte
	bufferSize int
	state      State
	drops      uint64

	backoff *backoff.Backoff
	wake    chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets the structured logger used for connection state
// transitions and drop events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithBufferLimits overrides the default soft caps on the outbound
// buffer; whichever limit is hit first triggers drop-oldest eviction.
func WithBufferLimits(maxBytes, maxLines int) Option {
	return func(c *Client) {
		c.maxBufferBytes = maxBytes
		c.maxBufferLines = maxLines
	}
}

// New creates a Client for the given "host:port" address. It does not
// connect until Run is called.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:           addr,
		log:            logrus.StandardLogger(),
		maxBufferBytes: DefaultMaxBufferBytes,
		maxBufferLines: DefaultMaxBufferLines,
		backoff: &backoff.Backoff{
			Min:    1 * time.Second,
			Max:    60 * time.Second,
			Jitter: true,
		},
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Drops returns the total number of lines dropped due to buffer
// overflow since the client was created.
func (c *Client) Drops() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops
}

// Enqueue appends lines to the outbound buffer, evicting the oldest
// buffered lines if the soft cap (bytes or line count) is exceeded.
// Availability of recent data is preferred over historical
// completeness.
func (c *Client) Enqueue(lines [][]byte) {
	c.mu.Lock()
	for _, line := range lines {
		c.buffered = append(c.buffered, line)
		c.bufferSize += len(line)
	}
	for len(c.buffered) > 0 && (c.bufferSize > c.maxBufferBytes || len(c.buffered) > c.maxBufferLines) {
		dropped := c.buffered[0]
		c.buffered = c.buffered[1:]
		c.bufferSize -= len(dropped)
		c.drops++
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the connect/write/reconnect loop until ctx is canceled. It
// never returns an error for transient I/O failures; those are
// retried with backoff and logged.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			d := c.backoff.Duration()
			c.log.WithFields(logrus.Fields{"sink": c.addr, "retry_in": d}).
				Warn("sink connect failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}

		c.backoff.Reset()
		c.drain(ctx, conn)
		_ = conn.Close()
	}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	c.setState(Connecting)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.setState(Disconnected)
		return nil, err
	}
	c.setState(Connected)
	c.log.WithField("sink", c.addr).Info("sink connected")
	return conn, nil
}

// drain writes buffered lines to conn until the connection fails or ctx
// is canceled, waking whenever Enqueue signals new data.
func (c *Client) drain(ctx context.Context, conn net.Conn) {
	w := bufio.NewWriter(conn)
	for {
		batch := c.takeBatch()
		for _, line := range batch {
			if _, err := w.Write(line); err != nil {
				c.setState(Disconnected)
				c.log.WithError(err).WithField("sink", c.addr).Warn("sink write failed")
				return
			}
		}
		if len(batch) > 0 {
			if err := w.Flush(); err != nil {
				c.setState(Disconnected)
				c.log.WithError(err).WithField("sink", c.addr).Warn("sink flush failed")
				return
			}
		}

		select {
		case <-ctx.Done():
			_ = w.Flush()
			return
		case <-c.wake:
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) takeBatch() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) == 0 {
		return nil
	}
	batch := c.buffered
	c.buffered = nil
	c.bufferSize = 0
	return batch
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Flush blocks until the outbound buffer is empty or the deadline
// elapses, for use during graceful shutdown.
func (c *Client) Flush(deadline time.Duration) bool {
	timeout := time.After(deadline)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		empty := len(c.buffered) == 0
		c.mu.Unlock()
		if empty {
			return true
		}
		select {
		case <-timeout:
			return false
		case <-ticker.C:
		}
	}
}
