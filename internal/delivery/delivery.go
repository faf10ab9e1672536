// Package delivery moves readings from acquisition to the broker, falling back
// to the persistent queue whenever a publish is not acknowledged, and drains
// that queue once the broker is reachable again.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloudpico-node/internal/connectivity"
	"cloudpico-node/internal/metrics"
	"cloudpico-node/internal/queue"
	"cloudpico-node/internal/reading"
)

// Queue is the part of *queue.Queue the orchestrator needs.
type Queue interface {
	Push(r reading.Reading) error
	Pop() (reading.Reading, error)
	Len() int
}

// Publisher sends one payload and returns nil only once the sink
// acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

type reconnectNotifier interface {
	Reconnected() <-chan struct{}
}

type SubmitOutcome int

const (
	Published SubmitOutcome = iota
	Buffered
)

func (o SubmitOutcome) String() string {
	switch o {
	case Published:
		return "published"
	case Buffered:
		return "buffered"
	default:
		return "unknown"
	}
}

type DrainOutcome int

const (
	Idle DrainOutcome = iota
	Drained
	Retried
	Dropped
	Skipped
)

func (o DrainOutcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Drained:
		return "drained"
	case Retried:
		return "retried"
	case Dropped:
		return "dropped"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// RetryPolicy decides what happens to a drained reading whose publish failed.
// The zero value is RequeueAtTail.
type RetryPolicy struct {
	maxAttempts int
}

// RequeueAtTail resubmits a failed reading, which buffers it behind
// everything already queued.
func RequeueAtTail() RetryPolicy { return RetryPolicy{} }

// RetryInPlace publishes a failed reading up to maxAttempts times in total
// while connected and drops it once all attempts failed. Values below 1 are
// treated as 1.
func RetryInPlace(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{maxAttempts: maxAttempts}
}

func (p RetryPolicy) inPlace() bool { return p.maxAttempts > 0 }

func (p RetryPolicy) String() string {
	if p.inPlace() {
		return "retry-in-place"
	}
	return "requeue-at-tail"
}

type Options struct {
	Retry RetryPolicy
	// DrainPause is the pause between consecutive drain steps of one cycle.
	DrainPause time.Duration
	Logger     *slog.Logger
}

type Orchestrator struct {
	q      Queue
	conn   connectivity.Reader
	pub    Publisher
	retry  RetryPolicy
	pause  time.Duration
	logger *slog.Logger
}

func New(q Queue, conn connectivity.Reader, pub Publisher, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		q:      q,
		conn:   conn,
		pub:    pub,
		retry:  opts.Retry,
		pause:  opts.DrainPause,
		logger: logger,
	}
}

// Submit publishes r when connected and buffers it otherwise, or when the
// publish fails. The only error returned is a failure to buffer.
func (o *Orchestrator) Submit(ctx context.Context, r reading.Reading) (SubmitOutcome, error) {
	if o.conn.Connected() {
		err := o.publish(ctx, r)
		if err == nil {
			metrics.SubmitTotal.WithLabelValues(Published.String()).Inc()
			return Published, nil
		}
		o.logger.Warn("publish failed, buffering reading", "ts", r.Timestamp, "error", err)
	}

	if err := o.q.Push(r); err != nil {
		metrics.StoreErrors.Inc()
		o.logger.Error("buffering reading failed", "ts", r.Timestamp, "error", err)
		return Buffered, err
	}
	metrics.SubmitTotal.WithLabelValues(Buffered.String()).Inc()
	metrics.QueueDepth.Set(float64(o.q.Len()))
	return Buffered, nil
}

// DrainOnce publishes the oldest buffered reading. It returns Idle without
// touching the queue when disconnected or when nothing is buffered.
func (o *Orchestrator) DrainOnce(ctx context.Context) (DrainOutcome, error) {
	if !o.conn.Connected() || o.q.Len() == 0 {
		return Idle, nil
	}

	r, err := o.q.Pop()
	switch {
	case errors.Is(err, queue.ErrEmpty):
		return Idle, nil
	case errors.Is(err, queue.ErrCorruptSlot):
		o.record(Skipped)
		return Skipped, nil
	case err != nil:
		metrics.StoreErrors.Inc()
		return Idle, err
	}

	pubErr := o.publish(ctx, r)
	if pubErr == nil {
		o.record(Drained)
		return Drained, nil
	}

	if o.retry.inPlace() {
		return o.retryInPlace(ctx, r, pubErr)
	}
	return o.requeue(ctx, r, pubErr)
}

func (o *Orchestrator) retryInPlace(ctx context.Context, r reading.Reading, lastErr error) (DrainOutcome, error) {
	attempts := 1
	for attempts < o.retry.maxAttempts && o.conn.Connected() && ctx.Err() == nil {
		attempts++
		if lastErr = o.publish(ctx, r); lastErr == nil {
			o.record(Drained)
			return Drained, nil
		}
	}
	if attempts < o.retry.maxAttempts {
		// Interrupted before the budget was spent; keep the reading.
		return o.requeue(ctx, r, lastErr)
	}
	o.logger.Error("dropping reading after failed publish attempts",
		"ts", r.Timestamp,
		"attempts", attempts,
		"error", lastErr,
	)
	o.record(Dropped)
	return Dropped, nil
}

func (o *Orchestrator) requeue(ctx context.Context, r reading.Reading, cause error) (DrainOutcome, error) {
	o.logger.Warn("drain publish failed, requeueing reading", "ts", r.Timestamp, "error", cause)
	if _, err := o.Submit(ctx, r); err != nil {
		return Retried, err
	}
	o.record(Retried)
	return Retried, nil
}

// RunDrain drains on every tick and on every reconnect until ctx is done.
// It returns nil on cancellation and the error of a failed queue operation
// otherwise.
func (o *Orchestrator) RunDrain(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if n, ok := o.conn.(reconnectNotifier); ok {
		wake = n.Reconnected()
	}

	o.logger.Info("drain loop started", "interval", interval, "pause", o.pause, "policy", o.retry.String())
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("drain loop stopped")
			return nil
		case <-ticker.C:
		case <-wake:
			o.logger.Info("broker reconnected, draining", "buffered", o.q.Len())
		}
		if err := o.DrainCycle(ctx); err != nil {
			return err
		}
	}
}

// DrainCycle runs DrainOnce until the queue is idle. Retries are capped at
// the queue length seen when the cycle started.
func (o *Orchestrator) DrainCycle(ctx context.Context) error {
	budget := o.q.Len()
	retries := 0
	drained := 0
	for o.conn.Connected() {
		out, err := o.DrainOnce(ctx)
		if err != nil {
			return err
		}
		switch out {
		case Idle:
			if drained > 0 {
				o.logger.Info("queue drained", "published", drained)
			}
			return nil
		case Drained:
			drained++
		case Retried:
			retries++
			if retries >= budget {
				o.logger.Warn("drain cycle stopped after failed retries", "retries", retries, "buffered", o.q.Len())
				return nil
			}
		}
		if !sleep(ctx, o.pause) {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, r reading.Reading) error {
	payload, err := reading.MarshalPayload(r)
	if err != nil {
		return err
	}
	timer := metrics.NewTimer()
	if err := o.pub.Publish(ctx, payload); err != nil {
		metrics.PublishFailures.Inc()
		return err
	}
	timer.ObserveDuration(metrics.PublishDuration)
	return nil
}

func (o *Orchestrator) record(out DrainOutcome) {
	metrics.DrainTotal.WithLabelValues(out.String()).Inc()
	metrics.QueueDepth.Set(float64(o.q.Len()))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
