package audio

import "time"

// Chunk is a fixed-size block of 16-bit signed mono PCM samples as received
// from the network. Chunks are the unit of transport between the receiver,
// the queue and the processor. A Chunk is never modified after it is built.
type Chunk struct {
	// Seq is the arrival sequence number, starting at 1 for each receiver.
	Seq uint64

	// Samples holds the decoded little-endian int16 samples.
	Samples []int16

	// Arrived marks when the last datagram contributing to this chunk was read.
	Arrived time.Time
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return len(c.Samples) }

// Format describes the fixed stream format negotiated at startup.
type Format struct {
	SampleRate   int
	ChunkSamples int
}

// ChunkBytes returns the wire size of one chunk in bytes.
func (f Format) ChunkBytes() int { return f.ChunkSamples * 2 }

// ChunkDuration returns the playback duration of one chunk.
func (f Format) ChunkDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.ChunkSamples) * time.Second / time.Duration(f.SampleRate)
}
