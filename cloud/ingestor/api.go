package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alimk/power-telemetry-hub/pkg/models"
	"github.com/alimk/power-telemetry-hub/pkg/registry"
	"github.com/alimk/power-telemetry-hub/pkg/store"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 500
	maxBodyBytes       = 1 << 20
)

// errRejected marks readings that can never be stored as sent.
var errRejected = errors.New("reading rejected")

// deviceWriter is implemented by store.SQLite and registry.RedisSource.
type deviceWriter interface {
	PutDevice(ctx context.Context, id string, d registry.Device) error
}

// statser is implemented by store.SQLite.
type statser interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// ingestor is shared by the HTTP handlers and the MQTT workers.
type ingestor struct {
	store   store.Store
	devices []deviceWriter
	maxSkew time.Duration
	now     func() time.Time
}

func newIngestor(st store.Store, maxSkew time.Duration) *ingestor {
	return &ingestor{store: st, maxSkew: maxSkew, now: time.Now}
}

// prepare fills in the id and timestamp when the sender left them out and
// applies the envelope and skew checks. Incomplete measurements pass.
func (ing *ingestor) prepare(r models.Reading) (models.Reading, error) {
	if err := r.CheckEnvelope(); err != nil {
		return r, fmt.Errorf("%w: %v", errRejected, err)
	}
	now := ing.now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if ing.maxSkew > 0 {
		delta := r.Timestamp.UTC().Sub(now)
		if delta < -ing.maxSkew || delta > ing.maxSkew {
			return r, fmt.Errorf("%w: timestamp skew %.0fs exceeds limit %.0fs",
				errRejected, delta.Seconds(), ing.maxSkew.Seconds())
		}
	}
	return r, nil
}

// ingest prepares and stores one reading. It reports false for a reading
// whose id is already stored.
func (ing *ingestor) ingest(ctx context.Context, source string, r models.Reading) (models.Reading, bool, error) {
	r, err := ing.prepare(r)
	if err != nil {
		readingsIngested.WithLabelValues(source, "rejected").Inc()
		return r, false, err
	}

	inserted, err := ing.store.Insert(ctx, r)
	if err != nil {
		readingsIngested.WithLabelValues(source, "error").Inc()
		dbWriteFailTotal.Inc()
		dbUp.Set(0)
		return r, false, fmt.Errorf("store reading %s: %w", r.ID, err)
	}
	dbUp.Set(1)
	if !inserted {
		readingsIngested.WithLabelValues(source, "duplicate").Inc()
		return r, false, nil
	}

	readingsIngested.WithLabelValues(source, "stored").Inc()
	if r.Validate() != nil {
		readingsIncomplete.Inc()
	}
	lastReadingTimestamp.Set(float64(r.Timestamp.Unix()))
	ing.refreshStats(ctx)
	return r, true, nil
}

func (ing *ingestor) refreshStats(ctx context.Context) {
	s, ok := ing.store.(statser)
	if !ok {
		return
	}
	snap, err := s.Stats(ctx)
	if err != nil {
		logger.Warn("db stats failed", "error", err)
		return
	}
	dbRowsTotal.Set(float64(snap.RowsTotal))
	dbLastWriteUnix.Set(float64(snap.LastWriteUnix))
	dbFileBytes.Set(float64(snap.FileBytes))
}

// responseRecorder wraps ResponseWriter to capture the written status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

type acceptedResponse struct {
	Result string `json:"result"`
	ID     string `json:"id"`
}

func newRouter(ing *ingestor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	r.Get("/healthz", ing.healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/readings", ing.postReading)
		r.Get("/readings/last", ing.lastReading)
		r.Get("/readings/recent", ing.recentReadings)
		r.Get("/readings/stats", ing.stats)
		r.Put("/devices/{id}", ing.putDevice)
	})
	return r
}

func (ing *ingestor) healthz(w http.ResponseWriter, r *http.Request) {
	if err := ing.store.Ping(r.Context()); err != nil {
		dbUp.Set(0)
		writeError(w, http.StatusServiceUnavailable, "db_down", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ing *ingestor) postReading(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var reading models.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		readingsIngested.WithLabelValues("http", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	stored, inserted, err := ing.ingest(r.Context(), "http", reading)
	switch {
	case errors.Is(err, errRejected):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	case err != nil:
		logger.Error("db insert failed", "device_id", stored.DeviceID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "db_error", "reading could not be stored")
		return
	case !inserted:
		writeJSON(w, http.StatusOK, acceptedResponse{Result: "duplicate", ID: stored.ID})
		return
	}

	logger.Debug("stored reading", "device_id", stored.DeviceID, "id", stored.ID, "timestamp", stored.Timestamp)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Result: "accepted", ID: stored.ID})
}

// lastReading serves GET /api/v1/readings/last[?device_id=<id>].
func (ing *ingestor) lastReading(w http.ResponseWriter, r *http.Request) {
	rows, err := ing.store.Recent(r.Context(), r.URL.Query().Get("device_id"), 1)
	if err != nil {
		logger.Error("db recent query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no_readings", "no readings received")
		return
	}
	writeJSON(w, http.StatusOK, rows[0])
}

// recentReadings serves GET /api/v1/readings/recent[?limit=N&device_id=<id>],
// newest first.
func (ing *ingestor) recentReadings(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			n = 1
		} else if n > maxRecentLimit {
			n = maxRecentLimit
		}
		limit = n
	}

	rows, err := ing.store.Recent(r.Context(), r.URL.Query().Get("device_id"), limit)
	if err != nil {
		logger.Error("db recent query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if rows == nil {
		rows = []models.Reading{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type statsResponse struct {
	DBUp          int   `json:"db_up"`
	RowsTotal     int64 `json:"rows_total"`
	LastWriteUnix int64 `json:"last_write_unix"`
	DBFileBytes   int64 `json:"db_file_bytes"`
}

// stats serves GET /api/v1/readings/stats. Backends without table statistics
// report only db_up.
func (ing *ingestor) stats(w http.ResponseWriter, r *http.Request) {
	if err := ing.store.Ping(r.Context()); err != nil {
		logger.Error("db ping failed in stats handler", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, statsResponse{})
		return
	}
	resp := statsResponse{DBUp: 1}
	if s, ok := ing.store.(statser); ok {
		snap, err := s.Stats(r.Context())
		if err != nil {
			logger.Error("db stats failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, statsResponse{})
			return
		}
		resp.RowsTotal = snap.RowsTotal
		resp.LastWriteUnix = snap.LastWriteUnix
		resp.DBFileBytes = snap.FileBytes
	}
	writeJSON(w, http.StatusOK, resp)
}

// putDevice serves PUT /api/v1/devices/{id}, writing the metadata to every
// configured device table.
func (ing *ingestor) putDevice(w http.ResponseWriter, r *http.Request) {
	if len(ing.devices) == 0 {
		writeError(w, http.StatusNotImplemented, "no_device_store", "no device table configured for this backend")
		return
	}
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" || len(id) > 128 {
		writeError(w, http.StatusBadRequest, "invalid_id", "device id must be 1-128 characters")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var d registry.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(d.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "name is required")
		return
	}

	for _, dw := range ing.devices {
		if err := dw.PutDevice(r.Context(), id, d); err != nil {
			logger.Error("device upsert failed", "device_id", id, "error", err)
			writeError(w, http.StatusServiceUnavailable, "db_error", "device could not be stored")
			return
		}
	}
	logger.Info("device updated", "device_id", id, "name", d.Name, "owner", d.Owner)
	writeJSON(w, http.StatusOK, d)
}

// routeLabel returns the matched chi pattern so Prometheus labels stay
// bounded; unmatched paths collapse to "other".
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "other"
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rr, r)

		duration := time.Since(start)
		route := routeLabel(r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", rr.status,
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", duration.Milliseconds(),
		)

		status := strconv.Itoa(rr.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}
