package sink

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// readRetries bounds how often Read retries when the producer overtakes it.
const readRetries = 3

// Ring is a lock-free single-producer single-consumer ring of float32
// samples. When full, Write discards the oldest unread samples; when empty,
// Read pads with silence. Neither side ever blocks or allocates.
//
// Samples are stored as float32 bit patterns in atomic words, so a producer
// overwriting a slot the consumer is reading is detected (by the failed
// head CAS) rather than racing.
type Ring struct {
	buf  []atomic.Uint32
	mask uint64

	head atomic.Uint64 // next sample to read
	tail atomic.Uint64 // next sample to write; written only by the producer

	dropped   atomic.Uint64
	underruns atomic.Uint64
	starved   atomic.Uint64 // samples of silence inserted
}

// NewRing returns a ring holding at least size samples, rounded up to a
// power of two.
func NewRing(size int) *Ring {
	if size < 2 {
		size = 2
	}
	n := uint64(1) << bits.Len64(uint64(size-1))
	return &Ring{
		buf:  make([]atomic.Uint32, n),
		mask: n - 1,
	}
}

// Cap returns the capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Write appends samples, discarding the oldest buffered samples if there is
// not enough room. If len(samples) exceeds the capacity only the newest
// samples are kept. Write must only be called from one goroutine.
func (r *Ring) Write(samples []float32) {
	size := uint64(len(r.buf))
	if uint64(len(samples)) > size {
		r.dropped.Add(uint64(len(samples)) - size)
		samples = samples[uint64(len(samples))-size:]
	}
	need := uint64(len(samples))
	t := r.tail.Load()

	for {
		h := r.head.Load()
		free := size - (t - h)
		if need <= free {
			break
		}
		drop := need - free
		if r.head.CompareAndSwap(h, h+drop) {
			r.dropped.Add(drop)
			break
		}
	}

	for i, s := range samples {
		r.buf[(t+uint64(i))&r.mask].Store(math.Float32bits(s))
	}
	r.tail.Store(t + need)
}

// Read fills out with the oldest buffered samples and pads any shortfall
// with silence, counting an underrun. Read must only be called from one
// goroutine; it is safe to call from a real-time audio callback.
func (r *Ring) Read(out []float32) {
	for range readRetries {
		h := r.head.Load()
		t := r.tail.Load()
		n := min(t-h, uint64(len(out)))
		for i := range n {
			out[i] = math.Float32frombits(r.buf[(h+i)&r.mask].Load())
		}
		if !r.head.CompareAndSwap(h, h+n) {
			// The producer discarded samples under us; what we copied may
			// be stale.
			continue
		}
		if n < uint64(len(out)) {
			clear(out[n:])
			r.underruns.Add(1)
			r.starved.Add(uint64(len(out)) - n)
		}
		return
	}
	clear(out)
	r.underruns.Add(1)
	r.starved.Add(uint64(len(out)))
}

// Reset discards all buffered samples. It must not run concurrently with
// Write.
func (r *Ring) Reset() {
	r.head.Store(r.tail.Load())
}

// RingStats is a point-in-time copy of the ring counters.
type RingStats struct {
	// Dropped counts samples discarded by Write on overflow.
	Dropped uint64
	// Underruns counts Read calls that had to insert silence.
	Underruns uint64
	// Starved counts samples of silence inserted by Read.
	Starved uint64
}

// Stats returns the ring counters.
func (r *Ring) Stats() RingStats {
	return RingStats{
		Dropped:   r.dropped.Load(),
		Underruns: r.underruns.Load(),
		Starved:   r.starved.Load(),
	}
}
