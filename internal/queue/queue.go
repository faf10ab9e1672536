// Package queue implements the persistent ring queue that buffers readings
// while the node is offline.
//
// The ring lives in a kvstore.Store: key 0 holds Metadata, keys 1..capacity
// hold one encoded reading each. When the ring is full a push overwrites the
// oldest unread reading. Metadata is rewritten after every mutation and is
// only written once the slot it refers to is durable, so a crash between the
// two writes leaves an unreachable slot rather than a broken cursor.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"cloudpico-node/internal/kvstore"
	"cloudpico-node/internal/reading"
)

var (
	ErrEmpty           = errors.New("queue empty")
	ErrCorruptSlot     = errors.New("corrupt queue slot")
	ErrInvalidCapacity = errors.New("invalid queue capacity")
)

// StoreError wraps a key/value failure hit by a queue operation.
type StoreError struct {
	Op  string
	Key uint16
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("queue %s key %d: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Stats is a point-in-time view of the queue. Counters start at zero on Open.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Count       int    `json:"count"`
	ReadCursor  int    `json:"read_cursor"`
	WriteCursor int    `json:"write_cursor"`
	Pushed      uint64 `json:"pushed"`
	Popped      uint64 `json:"popped"`
	Overwritten uint64 `json:"overwritten"`
}

type Option func(*Queue)

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithOverwriteHook registers fn to be called with each reading discarded by
// the overwrite-oldest policy. fn runs with the queue lock held and must not
// call back into the queue.
func WithOverwriteHook(fn func(reading.Reading)) Option {
	return func(q *Queue) { q.onOverwrite = fn }
}

// Queue is safe for concurrent use; all operations share one mutex.
type Queue struct {
	store       kvstore.Store
	logger      *slog.Logger
	onOverwrite func(reading.Reading)

	mu          sync.Mutex
	meta        Metadata
	pushed      uint64
	popped      uint64
	overwritten uint64
}

// Open loads the queue persisted in store. Missing or invalid metadata is
// replaced by an empty queue, which is persisted before Open returns.
func Open(store kvstore.Store, capacity int, opts ...Option) (*Queue, error) {
	if capacity < 1 || capacity > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d (allowed: 1..%d)", ErrInvalidCapacity, capacity, math.MaxUint16)
	}

	q := &Queue{store: store}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}

	cap16 := uint16(capacity)
	data, err := store.Get(metaKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		q.logger.Info("queue metadata absent, starting empty", "capacity", capacity)
		if err := q.reset(cap16); err != nil {
			return nil, err
		}
		return q, nil
	case err != nil:
		return nil, &StoreError{Op: "open", Key: metaKey, Err: err}
	}

	meta, err := unmarshalMetadata(data, cap16)
	if err != nil {
		q.logger.Warn("queue metadata invalid, resetting", "capacity", capacity, "error", err)
		if err := q.reset(cap16); err != nil {
			return nil, err
		}
		return q, nil
	}

	q.meta = meta
	q.logger.Info("queue opened",
		"capacity", meta.Capacity,
		"buffered", meta.Count,
		"read_cursor", meta.ReadCursor,
		"write_cursor", meta.WriteCursor,
	)
	return q, nil
}

// Push appends r. On a full queue the oldest reading is discarded first.
// If a store write fails the queue is left as it was before the call.
func (q *Queue) Push(r reading.Reading) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := q.meta
	overwrite := next.full()
	var dropped reading.Reading
	if overwrite {
		// Read the victim only to report it; a damaged slot is still dropped.
		if data, err := q.store.Get(next.ReadCursor); err == nil {
			dropped, _ = reading.Decode(data)
		}
		next.ReadCursor = next.next(next.ReadCursor)
	} else {
		next.Count++
	}

	slot := next.WriteCursor
	if err := q.store.Put(slot, reading.Encode(r)); err != nil {
		return &StoreError{Op: "push", Key: slot, Err: err}
	}
	next.WriteCursor = next.next(next.WriteCursor)

	if err := q.commit(next, "push"); err != nil {
		return err
	}

	q.pushed++
	if overwrite {
		q.overwritten++
		q.logger.Warn("queue full, overwrote oldest reading",
			"slot", slot,
			"dropped_ts", dropped.Timestamp,
			"capacity", next.Capacity,
		)
		if q.onOverwrite != nil {
			q.onOverwrite(dropped)
		}
	}
	q.logger.Debug("reading buffered", "slot", slot, "buffered", next.Count)
	return nil
}

// Pop removes and returns the oldest reading, or ErrEmpty. A slot that
// cannot be decoded is skipped: the cursor moves past it and the returned
// error wraps ErrCorruptSlot.
func (q *Queue) Pop() (reading.Reading, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.meta.Count == 0 {
		return reading.Reading{}, ErrEmpty
	}

	slot := q.meta.ReadCursor
	data, getErr := q.store.Get(slot)
	if getErr != nil && !errors.Is(getErr, kvstore.ErrNotFound) {
		return reading.Reading{}, &StoreError{Op: "pop", Key: slot, Err: getErr}
	}
	var (
		r      reading.Reading
		decErr error
	)
	if getErr != nil {
		decErr = getErr
	} else {
		r, decErr = reading.Decode(data)
	}

	next := q.meta
	next.ReadCursor = next.next(next.ReadCursor)
	next.Count--
	if err := q.commit(next, "pop"); err != nil {
		return reading.Reading{}, err
	}
	q.popped++

	if decErr != nil {
		q.logger.Error("skipped corrupt queue slot", "slot", slot, "error", decErr)
		return reading.Reading{}, fmt.Errorf("%w: slot %d: %v", ErrCorruptSlot, slot, decErr)
	}
	q.logger.Debug("reading dequeued", "slot", slot, "buffered", next.Count)
	return r, nil
}

// Len returns the number of buffered readings without touching the store.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.meta.Count)
}

func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.meta.Capacity)
}

// Clear empties the queue. Slot contents stay on the medium, unreachable.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.commit(emptyMetadata(q.meta.Capacity), "clear"); err != nil {
		return err
	}
	q.logger.Info("queue cleared")
	return nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Capacity:    int(q.meta.Capacity),
		Count:       int(q.meta.Count),
		ReadCursor:  int(q.meta.ReadCursor),
		WriteCursor: int(q.meta.WriteCursor),
		Pushed:      q.pushed,
		Popped:      q.popped,
		Overwritten: q.overwritten,
	}
}

// Ping checks the underlying store.
func (q *Queue) Ping() error {
	return q.store.Ping()
}

// commit persists m and, only once that succeeded, adopts it in memory.
// Callers hold q.mu.
func (q *Queue) commit(m Metadata, op string) error {
	if err := q.store.Put(metaKey, m.marshal()); err != nil {
		return &StoreError{Op: op, Key: metaKey, Err: err}
	}
	q.meta = m
	return nil
}

func (q *Queue) reset(capacity uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.commit(emptyMetadata(capacity), "reset")
}
