package settings

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ValidationError reports a rejected write. The store is unchanged when one
// is returned.
type ValidationError struct {
	Field  Field
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: invalid %s: %s", e.Field, e.Reason)
}

// Store publishes [Settings] snapshots with copy-on-write semantics.
//
// Get is a single atomic load and never blocks. Writers are serialized by a
// mutex, validate the candidate snapshot and publish it with one atomic
// store. All methods are safe for concurrent use.
type Store struct {
	sampleRate int

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Settings]
	epoch   atomic.Uint64
}

// NewStore creates a store for a stream at sampleRate Hz, seeded with
// initial. It returns an error if initial is not valid.
func NewStore(initial Settings, sampleRate int) (*Store, error) {
	if err := initial.Validate(sampleRate); err != nil {
		return nil, err
	}
	s := &Store{sampleRate: sampleRate}
	snap := initial
	s.current.Store(&snap)
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() Settings {
	return *s.current.Load()
}

// SampleRate returns the stream sample rate the store validates against.
func (s *Store) SampleRate() int { return s.sampleRate }

// Set validates value for field and, if valid, publishes a new snapshot with
// that single change. On failure it returns a [*ValidationError] and the
// previous snapshot remains in effect.
func (s *Store) Set(field Field, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.current.Load().with(field, value)
	if err != nil {
		return err
	}
	if err := next.checkField(field, s.sampleRate); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}

// Replace validates next as a whole and publishes it. Either every field
// changes or none does.
func (s *Store) Replace(next Settings) error {
	if err := next.Validate(s.sampleRate); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := next
	s.current.Store(&snap)
	return nil
}

// Merge copies fields from src into the current snapshot and publishes the
// result if it is valid as a whole. Fields not listed keep their current
// values, so operator changes to other fields survive a config reload.
func (s *Store) Merge(src Settings, fields ...Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	for _, f := range fields {
		var err error
		if next, err = next.with(f, src.Value(f)); err != nil {
			return err
		}
	}
	if err := next.Validate(s.sampleRate); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}

// RequestProfileReset asks the processor to discard its noise profile and
// warm up again. The request is observed on the next chunk.
func (s *Store) RequestProfileReset() {
	s.epoch.Add(1)
}

// ProfileEpoch returns a counter incremented by every [Store.RequestProfileReset].
func (s *Store) ProfileEpoch() uint64 {
	return s.epoch.Load()
}
