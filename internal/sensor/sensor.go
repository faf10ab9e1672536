// Package sensor produces readings on a fixed period and hands them to the
// delivery orchestrator.
package sensor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"cloudpico-node/internal/delivery"
	"cloudpico-node/internal/metrics"
	"cloudpico-node/internal/reading"
)

// Source takes one measurement. The scheduler stamps the timestamp, so
// sources leave it zero.
type Source interface {
	Read(ctx context.Context) (reading.Reading, error)
	Close() error
}

type Submitter interface {
	Submit(ctx context.Context, r reading.Reading) (delivery.SubmitOutcome, error)
}

type Scheduler struct {
	src      Source
	sub      Submitter
	interval time.Duration
	logger   *slog.Logger
	start    time.Time
	taken    atomic.Uint64
}

func NewScheduler(src Source, sub Submitter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		src:      src,
		sub:      sub,
		interval: interval,
		logger:   logger,
		start:    time.Now(),
	}
}

// Count returns the number of readings taken since the scheduler was created.
func (s *Scheduler) Count() uint64 {
	return s.taken.Load()
}

// Run takes a reading immediately and then once per interval until ctx is
// done. A failed sensor read skips the period. A failed submit means the
// reading could not be buffered and stops the scheduler with that error.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("acquisition started", "interval", s.interval)
	for {
		if err := s.sample(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			s.logger.Info("acquisition stopped", "readings", s.Count())
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sample(ctx context.Context) error {
	r, err := s.src.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		metrics.SensorErrors.Inc()
		s.logger.Error("sensor read failed, skipping period", "error", err)
		return nil
	}
	// Monotonic: time.Since uses the monotonic clock reading of start.
	r.Timestamp = time.Since(s.start).Milliseconds()
	s.taken.Add(1)
	metrics.ReadingsTaken.Inc()

	out, err := s.sub.Submit(ctx, r)
	if err != nil {
		return err
	}
	s.logger.Debug("reading submitted",
		"ts", r.Timestamp,
		"outcome", out.String(),
		"temp", r.Temperature,
		"hum", r.Humidity,
	)
	return nil
}
