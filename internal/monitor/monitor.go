// Package monitor streams the processed audio to remote listeners as Opus
// over WebSocket.
//
// The processor hands every output chunk to [Monitor.Tap], which never
// blocks. A single encoder goroutine ([Monitor.Run]) cuts the stream into
// 20 ms frames, encodes them once and fans the packets out to all connected
// listeners. A listener that cannot keep up loses packets instead of slowing
// anyone else down.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/pkg/audio"
)

// FrameMillis is the Opus frame duration.
const FrameMillis = 20

// Defaults.
const (
	DefaultBitrate     = 32000
	DefaultTapBuffer   = 64
	DefaultListenerBuf = 50 // one second of frames
)

// maxPacket bounds a single encoded frame.
const maxPacket = 4000

// Header is the first (text) message of every monitor session.
type Header struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameMs    int    `json:"frame_ms"`
	Bitrate    int    `json:"bitrate"`
}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithBitrate sets the Opus bitrate in bits per second.
func WithBitrate(bps int) Option {
	return func(m *Monitor) {
		if bps > 0 {
			m.bitrate = bps
		}
	}
}

// WithMetrics records the listener count to mt.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithListenerBuffer sets how many packets may queue per listener before
// packets are dropped for it.
func WithListenerBuffer(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.listenerBuf = n
		}
	}
}

// Monitor encodes and distributes the output stream.
type Monitor struct {
	sampleRate  int
	frame       int
	bitrate     int
	listenerBuf int
	metrics     *observe.Metrics

	enc *gopus.Encoder
	in  chan []float32

	mu        sync.Mutex
	listeners map[chan []byte]struct{}

	tapDropped atomic.Uint64
	sent       atomic.Uint64
	lost       atomic.Uint64
}

// New creates a monitor for a mono stream at sampleRate Hz, which must be a
// rate Opus supports (8, 12, 16, 24 or 48 kHz).
func New(sampleRate int, opts ...Option) (*Monitor, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("monitor: opus does not support %d Hz", sampleRate)
	}
	m := &Monitor{
		sampleRate:  sampleRate,
		frame:       sampleRate * FrameMillis / 1000,
		bitrate:     DefaultBitrate,
		listenerBuf: DefaultListenerBuf,
		in:          make(chan []float32, DefaultTapBuffer),
		listeners:   make(map[chan []byte]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("monitor: create opus encoder: %w", err)
	}
	enc.SetBitrate(m.bitrate)
	m.enc = enc
	return m, nil
}

// Tap offers processed samples to the monitor. It never blocks; when the
// encoder is behind the samples are dropped. The monitor keeps samples, so
// the caller must not modify them afterwards.
func (m *Monitor) Tap(samples []float32) {
	select {
	case m.in <- samples:
	default:
		m.tapDropped.Add(1)
	}
}

// Listeners returns the number of connected listeners.
func (m *Monitor) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Run encodes tapped audio until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	pending := make([]float32, 0, m.frame*4)
	pcm := make([]int16, m.frame)
	for {
		select {
		case <-ctx.Done():
			return nil
		case samples := <-m.in:
			pending = append(pending, samples...)
			for len(pending) >= m.frame {
				if m.Listeners() > 0 {
					audio.ToInt16(pcm[:0], pending[:m.frame])
					m.encode(pcm)
				}
				pending = append(pending[:0], pending[m.frame:]...)
			}
		}
	}
}

func (m *Monitor) encode(pcm []int16) {
	packet, err := m.enc.Encode(pcm, m.frame, maxPacket)
	if err != nil {
		slog.Warn("monitor: opus encode failed", "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- packet:
			m.sent.Add(1)
		default:
			m.lost.Add(1)
		}
	}
}

func (m *Monitor) subscribe(ctx context.Context) chan []byte {
	ch := make(chan []byte, m.listenerBuf)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.MonitorListeners.Add(ctx, 1)
	}
	return ch
}

func (m *Monitor) unsubscribe(ctx context.Context, ch chan []byte) {
	m.mu.Lock()
	delete(m.listeners, ch)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.MonitorListeners.Add(ctx, -1)
	}
}

// ServeHTTP implements [http.Handler]. It upgrades to WebSocket, sends a JSON
// [Header] text message and then one binary message per Opus packet until
// the client disconnects or the request context ends.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("monitor websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles its close frame and cancels
	// ctx when the connection goes away.
	ctx := conn.CloseRead(r.Context())

	hdr, _ := json.Marshal(Header{
		Codec:      "opus",
		SampleRate: m.sampleRate,
		Channels:   1,
		FrameMs:    FrameMillis,
		Bitrate:    m.bitrate,
	})
	if err := conn.Write(ctx, websocket.MessageText, hdr); err != nil {
		return
	}

	ch := m.subscribe(ctx)
	defer m.unsubscribe(context.WithoutCancel(ctx), ch)
	slog.Info("monitor listener connected", "remote", r.RemoteAddr)
	defer slog.Info("monitor listener disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case packet := <-ch:
			if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
				return
			}
		}
	}
}
