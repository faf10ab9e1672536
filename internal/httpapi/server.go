// Package httpapi serves the node's local diagnostics: liveness, queue
// status and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"cloudpico-node/internal/connectivity"
	"cloudpico-node/internal/metrics"
	"cloudpico-node/internal/queue"
)

type QueueInspector interface {
	Stats() queue.Stats
	Ping() error
}

type ReadingCounter interface {
	Count() uint64
}

type Deps struct {
	StationID string
	Queue     QueueInspector
	Conn      connectivity.Reader
	Readings  ReadingCounter
}

type Status struct {
	StationID     string      `json:"station_id"`
	Connected     bool        `json:"connected"`
	ReadingsTaken uint64      `json:"readings_taken"`
	Queue         queue.Stats `json:"queue"`
}

func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /status", d.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func NewServer(addr string, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (d Deps) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := d.Queue.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d Deps) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		StationID: d.StationID,
		Connected: d.Conn.Connected(),
		Queue:     d.Queue.Stats(),
	}
	if d.Readings != nil {
		st.ReadingsTaken = d.Readings.Count()
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": msg,
	})
}
