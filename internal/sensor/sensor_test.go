package sensor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"cloudpico-node/internal/delivery"
	"cloudpico-node/internal/reading"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	readings []reading.Reading
	err      error
}

func (s *recordingSubmitter) Submit(_ context.Context, r reading.Reading) (delivery.SubmitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return delivery.Buffered, s.err
	}
	s.readings = append(s.readings, r)
	return delivery.Buffered, nil
}

func (s *recordingSubmitter) Readings() []reading.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reading.Reading(nil), s.readings...)
}

// flakySource fails every read whose call number is in fail.
type flakySource struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (f *flakySource) Read(context.Context) (reading.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[f.calls] {
		return reading.Reading{}, errors.New("i2c nack")
	}
	return reading.Reading{Temperature: float32(f.calls)}, nil
}

func (f *flakySource) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_SubmitsEachPeriod(t *testing.T) {
	sub := &recordingSubmitter{}
	s := NewScheduler(&flakySource{}, sub, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.Readings()) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	got := sub.Readings()
	if len(got) < 4 {
		t.Fatalf("got %d readings, want at least 4", len(got))
	}
	if s.Count() != uint64(len(got)) {
		t.Errorf("Count() = %d, want %d", s.Count(), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Errorf("timestamp went backwards: %d then %d", got[i-1].Timestamp, got[i].Timestamp)
		}
	}
}

func TestScheduler_SkipsFailedReads(t *testing.T) {
	sub := &recordingSubmitter{}
	src := &flakySource{fail: map[int]bool{2: true, 3: true}}
	s := NewScheduler(src, sub, time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 4; i++ {
		if err := s.sample(ctx); err != nil {
			t.Fatalf("sample() error = %v, want nil", err)
		}
	}

	got := sub.Readings()
	if len(got) != 2 {
		t.Fatalf("got %d readings, want 2", len(got))
	}
	if got[0].Temperature != 1 || got[1].Temperature != 4 {
		t.Errorf("submitted reads %v and %v, want 1 and 4", got[0].Temperature, got[1].Temperature)
	}
	if s.Count() != 2 {
		t.Errorf("Count() = %d, want 2", s.Count())
	}
}

func TestScheduler_StopsOnSubmitError(t *testing.T) {
	storeErr := errors.New("flash full")
	sub := &recordingSubmitter{err: storeErr}
	s := NewScheduler(&flakySource{}, sub, time.Millisecond, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, storeErr) {
		t.Fatalf("Run() error = %v, want %v", err, storeErr)
	}
}

func TestSimulated_Deterministic(t *testing.T) {
	a, b := NewSimulated(42), NewSimulated(42)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ra, err := a.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		rb, _ := b.Read(ctx)
		if ra != rb {
			t.Fatalf("reading %d differs for the same seed: %+v vs %+v", i, ra, rb)
		}
	}
}

func TestSimulated_PlausibleValues(t *testing.T) {
	s := NewSimulated(7)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		r, err := s.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if r.Temperature < -20 || r.Temperature > 50 {
			t.Fatalf("temperature %v out of range", r.Temperature)
		}
		if r.Humidity < 0 || r.Humidity > 100 {
			t.Fatalf("humidity %v out of range", r.Humidity)
		}
		if r.AccelZ < 9.7 || r.AccelZ > 9.9 {
			t.Fatalf("accel z %v not near gravity", r.AccelZ)
		}
		if !r.GNSSValid && (r.Latitude != 0 || r.Longitude != 0) {
			t.Fatalf("position %v,%v reported without a fix", r.Latitude, r.Longitude)
		}
		if r.Timestamp != 0 {
			t.Fatalf("source set timestamp %d", r.Timestamp)
		}
	}
}

func TestSimulated_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSimulated(1).Read(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read() error = %v, want context.Canceled", err)
	}
}

func TestFromEnv(t *testing.T) {
	env := physic.Env{
		Temperature: physic.ZeroCelsius + 21500*physic.MilliKelvin,
		Humidity:    4025 * physic.PercentRH / 100,
	}
	r := fromEnv(env)
	if d := r.Temperature - 21.5; d > 0.01 || d < -0.01 {
		t.Errorf("Temperature = %v, want 21.5", r.Temperature)
	}
	if d := r.Humidity - 40.25; d > 0.01 || d < -0.01 {
		t.Errorf("Humidity = %v, want 40.25", r.Humidity)
	}
	if r.AccelZ != gravity || r.GNSSValid {
		t.Errorf("motion/gnss = %v/%v, want gravity and no fix", r.AccelZ, r.GNSSValid)
	}
}
