package settings

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Defaults(), 48000)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestDefaults_Valid(t *testing.T) {
	t.Parallel()

	if err := Defaults().Validate(48000); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestNewStore_RejectsInvalid(t *testing.T) {
	t.Parallel()

	bad := Defaults()
	bad.VoiceHighHz = 30000
	if _, err := NewStore(bad, 48000); err == nil {
		t.Fatal("expected error for voice_high_hz above Nyquist")
	}
}

func TestSet_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field Field
		value any
	}{
		{FieldNoiseReductionStrength, 0.5},
		{FieldNoiseReductionStrength, 0.0},
		{FieldNoiseReductionStrength, 1.0},
		{FieldNoiseReductionEnabled, false},
		{FieldVoiceLowHz, 300.0},
		{FieldVoiceHighHz, 3400.0},
		{FieldBandpassEnabled, false},
		{FieldVoiceGainDB, 6.0},
		{FieldVoiceGainDB, -20.0},
		{FieldVoiceGainDB, 20},
		{FieldSpectralGateDB, -60.0},
		{FieldSpectralGatingEnabled, true},
		{FieldStationaryModeEnabled, false},
		{FieldStationaryThreshold, 1.5},
		{FieldNoiseProfileSamples, 12},
		{FieldNoiseProfileSamples, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			if err := s.Set(tt.field, tt.value); err != nil {
				t.Fatalf("Set(%s, %v) = %v", tt.field, tt.value, err)
			}
			got := s.Get().Value(tt.field)
			want := tt.value
			switch v := tt.value.(type) {
			case int:
				if tt.field != FieldNoiseProfileSamples {
					want = float64(v)
				}
			case float64:
				if tt.field == FieldNoiseProfileSamples {
					want = int(v)
				}
			}
			if got != want {
				t.Errorf("Get().%s = %v, want %v", tt.field, got, want)
			}
		})
	}
}

func TestSet_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		field Field
		value any
	}{
		{"strength above one", FieldNoiseReductionStrength, 1.01},
		{"strength negative", FieldNoiseReductionStrength, -0.1},
		{"strength nan", FieldNoiseReductionStrength, math.NaN()},
		{"low zero", FieldVoiceLowHz, 0.0},
		{"low above high", FieldVoiceLowHz, 9000.0},
		{"high below low", FieldVoiceHighHz, 50.0},
		{"high at nyquist", FieldVoiceHighHz, 24000.0},
		{"gain too loud", FieldVoiceGainDB, 20.5},
		{"gain too quiet", FieldVoiceGainDB, -21.0},
		{"gate inf", FieldSpectralGateDB, math.Inf(-1)},
		{"threshold zero", FieldStationaryThreshold, 0.0},
		{"profile samples zero", FieldNoiseProfileSamples, 0},
		{"profile samples fractional", FieldNoiseProfileSamples, 2.5},
		{"bool field given number", FieldBandpassEnabled, 1.0},
		{"number field given bool", FieldVoiceGainDB, true},
		{"number field given string", FieldVoiceGainDB, "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			before := s.Get()

			err := s.Set(tt.field, tt.value)
			if err == nil {
				t.Fatalf("Set(%s, %v) succeeded, want error", tt.field, tt.value)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("ValidationError.Field = %s, want %s", verr.Field, tt.field)
			}
			if after := s.Get(); after != before {
				t.Errorf("store changed after rejected write:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestReplace_AllOrNothing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	before := s.Get()

	next := before
	next.VoiceGainDB = 3
	next.NoiseReductionStrength = 7 // invalid
	if err := s.Replace(next); err == nil {
		t.Fatal("Replace accepted invalid snapshot")
	}
	if got := s.Get(); got != before {
		t.Errorf("partial replace observed: %+v", got)
	}

	next.NoiseReductionStrength = 0.5
	if err := s.Replace(next); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := s.Get(); got != next {
		t.Errorf("Get() = %+v, want %+v", got, next)
	}
}

func TestMerge_KeepsUnlistedFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.Set(FieldVoiceGainDB, 6.0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Moving the whole band above the old high edge only works when both
	// edges change together.
	src := Defaults()
	src.VoiceLowHz = 9000
	src.VoiceHighHz = 12000
	src.VoiceGainDB = -3
	if err := s.Merge(src, FieldVoiceLowHz, FieldVoiceHighHz); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := s.Get()
	if got.VoiceLowHz != 9000 || got.VoiceHighHz != 12000 {
		t.Errorf("band = %g-%g, want 9000-12000", got.VoiceLowHz, got.VoiceHighHz)
	}
	if got.VoiceGainDB != 6 {
		t.Errorf("gain = %g, want the operator's 6", got.VoiceGainDB)
	}

	before := s.Get()
	src.VoiceHighHz = 30000
	if err := s.Merge(src, FieldVoiceHighHz); err == nil {
		t.Fatal("Merge accepted a band above Nyquist")
	}
	if s.Get() != before {
		t.Error("failed merge changed the snapshot")
	}
}

func TestStore_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	// Writers keep low and high moving together; a torn read would show
	// low >= high.
	pairs := [][2]float64{{100, 200}, {1000, 2000}, {300, 3400}}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer func() {
		close(stop)
		wg.Wait()
	}()
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				p := pairs[i%len(pairs)]
				next := s.Get()
				next.VoiceLowHz, next.VoiceHighHz = p[0], p[1]
				_ = s.Replace(next)
			}
		}()
	}

	for range 10000 {
		snap := s.Get()
		if snap.VoiceLowHz >= snap.VoiceHighHz {
			t.Fatalf("inconsistent snapshot: low %g high %g", snap.VoiceLowHz, snap.VoiceHighHz)
		}
	}
}

func TestProfileEpoch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if got := s.ProfileEpoch(); got != 0 {
		t.Fatalf("initial epoch = %d, want 0", got)
	}
	s.RequestProfileReset()
	s.RequestProfileReset()
	if got := s.ProfileEpoch(); got != 2 {
		t.Errorf("epoch = %d, want 2", got)
	}
}

func TestParseField(t *testing.T) {
	t.Parallel()

	for _, f := range Fields() {
		got, err := ParseField(" " + f.String() + " ")
		if err != nil || got != f {
			t.Errorf("ParseField(%q) = %v, %v; want %v", f.String(), got, err, f)
		}
	}
	if _, err := ParseField("nope"); err == nil {
		t.Error("ParseField(nope) succeeded")
	}
}

func TestGainLinear(t *testing.T) {
	t.Parallel()

	s := Defaults()
	s.VoiceGainDB = 6
	if got := s.GainLinear(); math.Abs(got-1.9953) > 1e-3 {
		t.Errorf("GainLinear(6 dB) = %v, want ~1.995", got)
	}
}
