package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/squelch/pkg/audio"
	"github.com/MrWong99/squelch/pkg/audio/mock"
)

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failing []string
		want    string
		wantErr bool
	}{
		{name: "primary succeeds", want: "malgo"},
		{name: "primary fails", failing: []string{"malgo"}, want: "null"},
		{name: "all fail", failing: []string{"malgo", "null"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup("malgo", "malgo", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fg.AddFallback("null", "null")

			var called string
			err := fg.Execute(func(v string) error {
				if slices.Contains(tt.failing, v) {
					return errTest
				}
				called = v
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the last failure", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.want {
				t.Errorf("called = %q, want %q", called, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("malgo", "malgo", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("null", "null")

	calls := map[string]int{}
	for range 4 {
		_ = fg.Execute(func(v string) error {
			calls[v]++
			if v == "malgo" {
				return errTest
			}
			return nil
		})
	}
	if calls["malgo"] != 2 {
		t.Errorf("primary tried %d times, want 2 before its breaker opened", calls["malgo"])
	}
	if calls["null"] != 4 {
		t.Errorf("fallback tried %d times, want 4", calls["null"])
	}
	states := fg.States()
	if states["malgo"] != StateOpen || states["null"] != StateClosed {
		t.Errorf("States() = %v", states)
	}
	if got := fg.Names(); !slices.Equal(got, []string{"malgo", "null"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 40 {
		t.Errorf("result = %d, want 40", result)
	}
}

func TestDeviceFallback_Open(t *testing.T) {
	t.Parallel()

	primary := &mock.Device{NameResult: "malgo:default"}
	null := &mock.Device{NameResult: "null"}

	tests := []struct {
		name       string
		primaryErr error
		want       *mock.Device
	}{
		{"primary opens", nil, primary},
		{"falls back to null", errTest, null},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := NewDeviceFallback(mock.Factory(primary, tt.primaryErr), "malgo", FallbackConfig{})
			fb.AddFallback("null", mock.Factory(null, nil))

			dev, err := fb.Open(audio.DeviceConfig{SampleRate: 48000, DeviceName: "USB"})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if dev != audio.Device(tt.want) {
				t.Errorf("opened %q, want %q", dev.Name(), tt.want.Name())
			}
			if tt.want.Config.SampleRate != 48000 || tt.want.Config.DeviceName != "USB" {
				t.Errorf("factory received %+v", tt.want.Config)
			}
			if got := fb.Backends(); !slices.Equal(got, []string{"malgo", "null"}) {
				t.Errorf("Backends() = %v", got)
			}
		})
	}
}

func TestDeviceFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewDeviceFallback(mock.Factory(nil, errTest), "malgo", FallbackConfig{})

	_, err := fb.Open(audio.DeviceConfig{SampleRate: 48000})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if fb.States()["malgo"] != StateClosed {
		t.Errorf("one failure must not open the breaker: %v", fb.States())
	}
}
