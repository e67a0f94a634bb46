// Package receiver reads raw PCM datagrams from UDP and turns them into
// [audio.Chunk] values for the chunk queue.
//
// Two framings are supported. [FramingStrict] expects every datagram to hold
// exactly one chunk of little-endian int16 mono samples and discards
// anything else. [FramingStream] treats datagrams as a byte stream and re-cuts
// it into chunks, which suits senders that packetise on their own schedule.
// Malformed datagrams are counted and dropped; they never stop the receiver.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/internal/queue"
	"github.com/MrWong99/squelch/pkg/audio"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// Framing selects how datagrams map to chunks.
type Framing string

const (
	// FramingStrict requires each datagram to be exactly one chunk.
	FramingStrict Framing = "strict"
	// FramingStream concatenates even-length datagrams and re-cuts them.
	FramingStream Framing = "stream"
)

// ParseFraming validates a framing name. The empty string means strict.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingStrict:
		return FramingStrict, nil
	case FramingStream:
		return FramingStream, nil
	default:
		return "", fmt.Errorf("receiver: unknown framing %q (want strict or stream)", s)
	}
}

// Queue is where accepted chunks go. *queue.Queue satisfies it.
type Queue interface {
	Push(c audio.Chunk) (evicted bool, err error)
	Len() int
}

// Option configures a [Receiver].
type Option func(*Receiver)

// WithFraming sets the framing mode. Defaults to [FramingStrict].
func WithFraming(f Framing) Option {
	return func(r *Receiver) { r.framing = f }
}

// WithMetrics sets the metrics the receiver records to.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// Stats is a snapshot of receiver counters.
type Stats struct {
	Datagrams uint64
	Chunks    uint64
	Malformed uint64
	Evicted   uint64
}

// Receiver listens on one UDP address. Create it with [New].
type Receiver struct {
	addr         string
	chunkSamples int
	framing      Framing
	queue        Queue
	metrics      *observe.Metrics

	mu     sync.Mutex
	conn   net.PacketConn
	closed bool

	seq     uint64
	pending []int16 // stream framing carry-over

	datagrams atomic.Uint64
	chunks    atomic.Uint64
	malformed atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a receiver for chunkSamples-sample chunks that pushes into q.
// It does not open the socket; call [Receiver.Listen] or [Receiver.Run].
func New(addr string, chunkSamples int, q Queue, opts ...Option) (*Receiver, error) {
	if chunkSamples <= 0 {
		return nil, fmt.Errorf("receiver: chunk size must be positive, got %d", chunkSamples)
	}
	if chunkSamples*2 > maxDatagram {
		return nil, fmt.Errorf("receiver: chunk of %d samples does not fit in one datagram", chunkSamples)
	}
	if q == nil {
		return nil, errors.New("receiver: queue is required")
	}
	r := &Receiver{
		addr:         addr,
		chunkSamples: chunkSamples,
		framing:      FramingStrict,
		queue:        q,
	}
	for _, o := range opts {
		o(r)
	}
	if _, err := ParseFraming(string(r.framing)); err != nil {
		return nil, err
	}
	return r, nil
}

// Listen binds the UDP socket. Calling it before Run lets startup fail fast
// and makes [Receiver.Addr] available.
func (r *Receiver) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("receiver: listen %s: %w", r.addr, net.ErrClosed)
	}
	if r.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", r.addr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", r.addr, err)
	}
	r.conn = conn
	slog.Info("receiver listening", "addr", conn.LocalAddr().String(), "framing", r.framing, "chunk_samples", r.chunkSamples)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Ready reports whether the socket is bound. It fits [health.Checker].
func (r *Receiver) Ready(context.Context) error {
	if r.Addr() == nil {
		return errors.New("not listening")
	}
	return nil
}

// Close releases the socket. A concurrent Run returns nil. It is safe to call
// more than once.
func (r *Receiver) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.closed = true
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("receiver: close: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Datagrams: r.datagrams.Load(),
		Chunks:    r.chunks.Load(),
		Malformed: r.malformed.Load(),
		Evicted:   r.evicted.Load(),
	}
}

// Run reads datagrams until ctx is done or the queue is closed. Cancelling
// ctx closes the socket to unblock the pending read. Run returns nil on
// orderly shutdown.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// ICMP errors and the like surface here on some platforms.
			slog.Debug("receiver read failed", "err", err)
			continue
		}
		r.datagrams.Add(1)

		var perr error
		switch r.framing {
		case FramingStream:
			perr = r.stream(ctx, buf[:n], from)
		default:
			perr = r.strict(ctx, buf[:n], from)
		}
		if errors.Is(perr, queue.ErrClosed) {
			return nil
		}
	}
}

func (r *Receiver) strict(ctx context.Context, b []byte, from net.Addr) error {
	if len(b) != r.chunkSamples*2 {
		r.reject(ctx, len(b), from)
		return nil
	}
	return r.emit(ctx, audio.DecodePCM16(make([]int16, 0, r.chunkSamples), b))
}

func (r *Receiver) stream(ctx context.Context, b []byte, from net.Addr) error {
	if len(b) == 0 || len(b)%2 != 0 {
		r.reject(ctx, len(b), from)
		return nil
	}
	r.pending = audio.DecodePCM16(r.pending, b)
	for len(r.pending) >= r.chunkSamples {
		samples := make([]int16, r.chunkSamples)
		copy(samples, r.pending)
		r.pending = append(r.pending[:0], r.pending[r.chunkSamples:]...)
		if err := r.emit(ctx, samples); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) reject(ctx context.Context, size int, from net.Addr) {
	r.malformed.Add(1)
	if r.metrics != nil {
		r.metrics.RecordMalformed(ctx, string(r.framing))
	}
	slog.Debug("discarding malformed datagram",
		"bytes", size, "want", r.chunkSamples*2, "framing", r.framing, "from", from)
}

func (r *Receiver) emit(ctx context.Context, samples []int16) error {
	r.seq++
	evicted, err := r.queue.Push(audio.Chunk{Seq: r.seq, Samples: samples, Arrived: time.Now()})
	if err != nil {
		return err
	}
	r.chunks.Add(1)
	if evicted {
		r.evicted.Add(1)
	}
	if r.metrics != nil {
		r.metrics.ChunksReceived.Add(ctx, 1)
		if evicted {
			r.metrics.QueueDropped.Add(ctx, 1)
		}
		r.metrics.QueueDepth.Record(ctx, int64(r.queue.Len()))
	}
	return nil
}
