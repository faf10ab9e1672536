package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/connectivity"
	"cloudpico-node/internal/delivery"
	"cloudpico-node/internal/httpapi"
	"cloudpico-node/internal/mqtt"
	"cloudpico-node/internal/sensor"
)

// Run starts acquisition, the broker session, the drain loop and the
// diagnostics server, and blocks until ctx is done or one of them fails.
func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("initializing node",
		"station", cfg.DeviceStationID,
		"store_backend", cfg.StoreBackend,
		"store_path", cfg.StorePath,
		"queue_capacity", cfg.QueueCapacity,
		"mqtt_broker", cfg.MQTTBroker,
		"mqtt_port", cfg.MQTTPort,
		"mqtt_topic", cfg.MQTTTopic,
		"sensor_source", cfg.SensorSource,
		"poll_interval", cfg.SensorPollInterval,
	)

	q, store, err := OpenQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close", "error", err)
		}
	}()

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error("sensor close", "error", err)
		}
	}()

	state := connectivity.New()
	client := mqtt.New(cfg, state, logger.With("component", "mqtt"))
	orch := delivery.New(q, state, client, delivery.Options{
		Retry:      retryPolicy(cfg),
		DrainPause: cfg.DrainPause,
		Logger:     logger.With("component", "delivery"),
	})
	sched := sensor.NewScheduler(src, orch, cfg.SensorPollInterval, logger.With("component", "sensor"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer client.Disconnect()
		// paho keeps retrying in the background; readings are buffered until
		// the first connect succeeds.
		if err := client.Connect(gctx); err != nil && gctx.Err() == nil {
			logger.Error("mqtt connect failed, running offline", "error", err)
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		return orch.RunDrain(gctx, cfg.DrainInterval)
	})

	if cfg.DiagHTTPAddr != "" {
		mux := httpapi.NewMux(httpapi.Deps{
			StationID: cfg.DeviceStationID,
			Queue:     q,
			Conn:      state,
			Readings:  sched,
		})
		srv := httpapi.NewServer(cfg.DiagHTTPAddr, mux, logger)
		g.Go(func() error {
			return serveHTTP(gctx, srv, logger)
		})
	}

	err = g.Wait()
	logger.Info("node stopped", "buffered", q.Len(), "readings", sched.Count())
	if err != nil {
		return err
	}
	return ctx.Err()
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err := <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
