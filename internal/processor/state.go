package processor

import "github.com/MrWong99/squelch/internal/dsp"

// Phase is the processor lifecycle phase.
type Phase int32

const (
	// PhaseWarmup accumulates the noise profile; reduction is bypassed.
	PhaseWarmup Phase = iota
	// PhaseActive applies noise reduction and gating.
	PhaseActive
)

// String returns the lowercase phase name used in logs and metrics.
func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// state is the phase-specific part of the processor state. Exactly one of
// *warmupState and *activeState is current at any time.
type state interface {
	phase() Phase
}

// warmupState counts chunks towards target while building profile. target is
// fixed when warm-up starts so later setting changes do not move it.
type warmupState struct {
	target  int
	seen    int
	profile *dsp.NoiseProfile
}

func (*warmupState) phase() Phase { return PhaseWarmup }

// activeState holds the profile frozen at the end of warm-up and a live copy
// that adaptive mode keeps refreshing.
type activeState struct {
	frozen *dsp.NoiseProfile
	live   *dsp.NoiseProfile
}

func (*activeState) phase() Phase { return PhaseActive }
