package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpico-node/internal/connectivity"
	"cloudpico-node/internal/kvstore"
	"cloudpico-node/internal/queue"
	"cloudpico-node/internal/reading"
)

var errBroker = errors.New("broker unavailable")

// fakePublisher records acknowledged payloads by timestamp. fail decides per
// call whether the publish is rejected.
type fakePublisher struct {
	mu        sync.Mutex
	fail      func(ts int64, call int) bool
	calls     int
	published []int64
}

func (p *fakePublisher) Publish(_ context.Context, payload []byte) error {
	r, err := reading.UnmarshalPayload(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil && p.fail(r.Timestamp, p.calls) {
		return errBroker
	}
	p.published = append(p.published, r.Timestamp)
	return nil
}

func (p *fakePublisher) Published() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.published...)
}

func (p *fakePublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T, capacity int) *queue.Queue {
	t.Helper()
	q, err := queue.Open(kvstore.NewMemory(), capacity, queue.WithLogger(quietLogger()))
	require.NoError(t, err)
	return q
}

func sample(ts int64) reading.Reading {
	return reading.Reading{Timestamp: ts, Temperature: 20, Humidity: 50, AccelZ: 9.81}
}

func popAll(t *testing.T, q *queue.Queue) []int64 {
	t.Helper()
	var out []int64
	for {
		r, err := q.Pop()
		if errors.Is(err, queue.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		out = append(out, r.Timestamp)
	}
}

func TestSubmit_DisconnectedBuffers(t *testing.T) {
	q := newQueue(t, 8)
	pub := &fakePublisher{}
	o := New(q, connectivity.New(), pub, Options{Logger: quietLogger()})

	out, err := o.Submit(context.Background(), sample(1))
	require.NoError(t, err)
	assert.Equal(t, Buffered, out)
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, pub.Calls(), "no publish attempt while disconnected")
}

func TestSubmit_ConnectedPublishes(t *testing.T) {
	q := newQueue(t, 8)
	state := connectivity.New()
	state.Set(true)
	pub := &fakePublisher{}
	o := New(q, state, pub, Options{Logger: quietLogger()})

	out, err := o.Submit(context.Background(), sample(7))
	require.NoError(t, err)
	assert.Equal(t, Published, out)
	assert.Equal(t, []int64{7}, pub.Published())
	assert.Zero(t, q.Len())
}

func TestSubmit_PublishFailureBuffers(t *testing.T) {
	q := newQueue(t, 8)
	state := connectivity.New()
	state.Set(true)
	pub := &fakePublisher{fail: func(int64, int) bool { return true }}
	o := New(q, state, pub, Options{Logger: quietLogger()})

	out, err := o.Submit(context.Background(), sample(3))
	require.NoError(t, err)
	assert.Equal(t, Buffered, out)
	assert.Equal(t, []int64{3}, popAll(t, q))
}

type failingQueue struct{ err error }

func (f failingQueue) Push(reading.Reading) error { return f.err }
func (f failingQueue) Pop() (reading.Reading, error) { return reading.Reading{}, f.err }
func (f failingQueue) Len() int { return 1 }

func TestSubmit_StoreFailureIsReturned(t *testing.T) {
	storeErr := &queue.StoreError{Op: "push", Key: 1, Err: errors.New("flash write failed")}
	o := New(failingQueue{err: storeErr}, connectivity.New(), &fakePublisher{}, Options{Logger: quietLogger()})

	_, err := o.Submit(context.Background(), sample(1))
	var se *queue.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "push", se.Op)
}

func TestDrainOnce_IdleWhenDisconnectedOrEmpty(t *testing.T) {
	q := newQueue(t, 4)
	state := connectivity.New()
	pub := &fakePublisher{}
	o := New(q, state, pub, Options{Logger: quietLogger()})

	out, err := o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, out, "empty and disconnected")

	_, err = o.Submit(context.Background(), sample(1))
	require.NoError(t, err)
	out, err = o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, out, "disconnected with buffered readings")
	assert.Equal(t, 1, q.Len())

	state.Set(true)
	out, err = o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Drained, out)
	out, err = o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, out, "connected and empty")
}

func TestOverflowThenDrainScenario(t *testing.T) {
	q := newQueue(t, 3)
	state := connectivity.New()
	pub := &fakePublisher{}
	o := New(q, state, pub, Options{Logger: quietLogger()})
	ctx := context.Background()

	// A=1 B=2 C=3 D=4
	for ts := int64(1); ts <= 4; ts++ {
		out, err := o.Submit(ctx, sample(ts))
		require.NoError(t, err)
		require.Equal(t, Buffered, out)
	}
	require.Equal(t, 3, q.Len())

	state.Set(true)
	for i := 0; i < 3; i++ {
		out, err := o.DrainOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, Drained, out)
	}
	assert.Equal(t, []int64{2, 3, 4}, pub.Published())
	assert.Zero(t, q.Len())

	out, err := o.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, out)
}

func TestDrainOnce_RequeueAtTail(t *testing.T) {
	q := newQueue(t, 8)
	state := connectivity.New()
	pub := &fakePublisher{fail: func(ts int64, _ int) bool { return ts == 1 }}
	o := New(q, state, pub, Options{Logger: quietLogger()})
	ctx := context.Background()

	for ts := int64(1); ts <= 3; ts++ {
		_, err := o.Submit(ctx, sample(ts))
		require.NoError(t, err)
	}
	state.Set(true)

	out, err := o.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Retried, out)
	assert.Equal(t, []int64{2, 3, 1}, popAll(t, q), "failed reading goes to the tail")
}

func TestDrainOnce_RetryInPlace(t *testing.T) {
	tests := []struct {
		name      string
		fail      func(ts int64, call int) bool
		want      DrainOutcome
		wantCalls int
		wantLen   int
	}{
		{
			name:      "succeeds on third attempt",
			fail:      func(_ int64, call int) bool { return call < 3 },
			want:      Drained,
			wantCalls: 3,
			wantLen:   0,
		},
		{
			name:      "drops after all attempts fail",
			fail:      func(int64, int) bool { return true },
			want:      Dropped,
			wantCalls: 3,
			wantLen:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t, 4)
			require.NoError(t, q.Push(sample(1)))
			state := connectivity.New()
			state.Set(true)
			pub := &fakePublisher{fail: tt.fail}
			o := New(q, state, pub, Options{Retry: RetryInPlace(3), Logger: quietLogger()})

			out, err := o.DrainOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
			assert.Equal(t, tt.wantCalls, pub.Calls())
			assert.Equal(t, tt.wantLen, q.Len())
		})
	}
}

type dropOnFailPublisher struct {
	state *connectivity.State
	calls int
}

func (p *dropOnFailPublisher) Publish(context.Context, []byte) error {
	p.calls++
	p.state.Set(false)
	return errBroker
}

func TestDrainOnce_RetryInPlaceKeepsReadingOnDisconnect(t *testing.T) {
	q := newQueue(t, 4)
	require.NoError(t, q.Push(sample(9)))
	state := connectivity.New()
	state.Set(true)
	pub := &dropOnFailPublisher{state: state}
	o := New(q, state, pub, Options{Retry: RetryInPlace(5), Logger: quietLogger()})

	out, err := o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Retried, out)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, []int64{9}, popAll(t, q))
}

func TestDrainOnce_SkipsCorruptSlot(t *testing.T) {
	store := kvstore.NewMemory()
	q, err := queue.Open(store, 4, queue.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, q.Push(sample(1)))
	require.NoError(t, q.Push(sample(2)))
	require.NoError(t, store.Put(1, []byte("garbage")))

	state := connectivity.New()
	state.Set(true)
	pub := &fakePublisher{}
	o := New(q, state, pub, Options{Logger: quietLogger()})

	out, err := o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
	out, err = o.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Drained, out)
	assert.Equal(t, []int64{2}, pub.Published())
}

func TestDrainCycle_StopsOnSystematicFailure(t *testing.T) {
	q := newQueue(t, 8)
	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, q.Push(sample(ts)))
	}
	state := connectivity.New()
	state.Set(true)
	pub := &fakePublisher{fail: func(int64, int) bool { return true }}
	o := New(q, state, pub, Options{Logger: quietLogger()})

	require.NoError(t, o.DrainCycle(context.Background()))

	// Each retry is a drain publish plus the resubmit publish.
	assert.Equal(t, 6, pub.Calls())
	assert.Equal(t, []int64{1, 2, 3}, popAll(t, q))
}

func TestRunDrain_FlushesOnReconnect(t *testing.T) {
	q := newQueue(t, 16)
	state := connectivity.New()
	pub := &fakePublisher{}
	o := New(q, state, pub, Options{DrainPause: time.Millisecond, Logger: quietLogger()})

	for ts := int64(1); ts <= 5; ts++ {
		_, err := o.Submit(context.Background(), sample(ts))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.RunDrain(ctx, time.Hour) }()

	state.Set(true)
	require.Eventually(t, func() bool { return len(pub.Published()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, pub.Published())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunDrain did not return after cancel")
	}
}

func TestRunDrain_ReturnsStoreError(t *testing.T) {
	storeErr := &queue.StoreError{Op: "pop", Key: 1, Err: errors.New("flash read failed")}
	state := connectivity.New()
	state.Set(true)
	o := New(failingQueue{err: storeErr}, state, &fakePublisher{}, Options{Logger: quietLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := o.RunDrain(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, storeErr)
}

func TestRetryPolicy(t *testing.T) {
	assert.Equal(t, "requeue-at-tail", RequeueAtTail().String())
	assert.Equal(t, "requeue-at-tail", RetryPolicy{}.String())
	assert.Equal(t, "retry-in-place", RetryInPlace(0).String())
	assert.Equal(t, 1, RetryInPlace(0).maxAttempts)
	assert.Equal(t, 4, RetryInPlace(4).maxAttempts)
}
