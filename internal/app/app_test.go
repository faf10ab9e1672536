package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/mqtt/mqtttest"
	"cloudpico-node/internal/reading"
	"cloudpico-node/internal/sensor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func offlineConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		AppEnv:             "dev",
		DeviceStationID:    "test",
		QueueCapacity:      16,
		StoreBackend:       "bolt",
		StorePath:          filepath.Join(t.TempDir(), "queue.db"),
		MQTTBroker:         "127.0.0.1",
		MQTTPort:           1, // nothing listens here
		MQTTClientID:       "node-test",
		MQTTTopic:          "kargo/sensors/test/data",
		MQTTKeepAlive:      time.Minute,
		MQTTReconnectDelay: time.Second,
		MQTTPublishTimeout: time.Second,
		SensorSource:       "simulated",
		SensorPollInterval: 20 * time.Millisecond,
		DrainInterval:      50 * time.Millisecond,
		DrainPause:         time.Millisecond,
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := config.Config{}
	assert.Equal(t, "requeue-at-tail", retryPolicy(cfg).String())

	cfg.DrainRetryLimit = 3
	assert.Equal(t, "retry-in-place", retryPolicy(cfg).String())
}

func TestNewSource(t *testing.T) {
	src, err := newSource(config.Config{SensorSource: "simulated"})
	require.NoError(t, err)
	assert.IsType(t, &sensor.Simulated{}, src)

	_, err = newSource(config.Config{SensorSource: "dht22"})
	assert.Error(t, err)
}

func TestOpenQueue_PersistsAcrossOpens(t *testing.T) {
	cfg := offlineConfig(t)

	q, store, err := OpenQueue(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, q.Push(reading.Reading{Timestamp: 11}))
	require.NoError(t, q.Push(reading.Reading{Timestamp: 12}))
	require.NoError(t, store.Close())

	q, store, err = OpenQueue(cfg, quietLogger())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 16, q.Cap())

	r, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, int64(11), r.Timestamp)
}

func TestOpenQueue_UnknownBackend(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.StoreBackend = "redis"

	_, _, err := OpenQueue(cfg, quietLogger())
	assert.Error(t, err)
}

func TestRun_BuffersWhileOffline(t *testing.T) {
	cfg := offlineConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := Run(ctx, cfg)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "Run() error = %v", err)

	q, store, err := OpenQueue(cfg, quietLogger())
	require.NoError(t, err)
	defer store.Close()
	assert.GreaterOrEqual(t, q.Len(), 2, "readings taken offline must be buffered")
}

func TestDrain_EmptyQueueSkipsBroker(t *testing.T) {
	cfg := offlineConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := Drain(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, res.Before)
	assert.Zero(t, res.After)
}

func TestDrain_UnreachableBroker(t *testing.T) {
	cfg := offlineConfig(t)
	q, store, err := OpenQueue(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, q.Push(reading.Reading{Timestamp: 1}))
	require.NoError(t, store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := Drain(ctx, cfg)
	require.Error(t, err)
	assert.Equal(t, 1, res.Before)

	q, store, err = OpenQueue(cfg, quietLogger())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, 1, q.Len(), "failed drain must not lose readings")
}

func TestDrain_PublishesEverythingToLiveBroker(t *testing.T) {
	cfg := offlineConfig(t)
	broker := mqtttest.Start(t, cfg.MQTTTopic)
	cfg.MQTTBroker = broker.Host
	cfg.MQTTPort = broker.Port

	for run := 0; run < 5; run++ {
		q, store, err := OpenQueue(cfg, quietLogger())
		require.NoError(t, err)
		for ts := int64(1); ts <= 3; ts++ {
			require.NoError(t, q.Push(reading.Reading{Timestamp: int64(run)*10 + ts}))
		}
		require.NoError(t, store.Close())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := Drain(ctx, cfg)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, 3, res.Before, "run %d", run)
		assert.Zero(t, res.After, "run %d: drain left readings behind", run)
		assert.Zero(t, res.Stats.Count, "run %d", run)
	}

	msgs := broker.WaitForMessages(15, 2*time.Second)
	require.Len(t, msgs, 15)
	first, err := reading.UnmarshalPayload(msgs[0])
	require.NoError(t, err)
	last, err := reading.UnmarshalPayload(msgs[14])
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Timestamp)
	assert.Equal(t, int64(43), last.Timestamp)
}
