// Package simfeed relays power-flow simulation results to connected
// sessions. It polls the simulation service's latest-results endpoint and
// broadcasts the document whenever it changes.
package simfeed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alimk/power-telemetry-hub/pkg/metrics"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Second
	LatestPath      = "/get-latest-results"

	maxBody = 8 << 20
)

// Publisher receives changed simulation documents.
type Publisher interface {
	BroadcastSimulation(payload json.RawMessage)
}

type Config struct {
	// BaseURL of the simulation service, e.g. http://dc-power-flow:5002.
	BaseURL  string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

type Relay struct {
	url      string
	interval time.Duration
	client   *http.Client
	out      Publisher
	logger   *slog.Logger

	// Owned by the polling goroutine.
	last [sha256.Size]byte
	seen bool
}

func New(cfg Config, out Publisher, logger *slog.Logger) (*Relay, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("simfeed: base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Relay{
		url:      strings.TrimRight(cfg.BaseURL, "/") + LatestPath,
		interval: cfg.Interval,
		client:   cfg.Client,
		out:      out,
		logger:   logger,
	}, nil
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("simulation relay started", "url", r.url, "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("simulation poll failed", "error", err)
			}
		}
	}
}

// Poll fetches the latest results once and reports whether a broadcast was
// made. Placeholder documents (is_mock) are never relayed.
func (r *Relay) Poll(ctx context.Context) (bool, error) {
	doc, err := r.fetch(ctx)
	if err != nil {
		metrics.SimulationUpdates.WithLabelValues("error").Inc()
		return false, err
	}

	var probe struct {
		IsMock bool `json:"is_mock"`
	}
	if err := json.Unmarshal(doc, &probe); err == nil && probe.IsMock {
		metrics.SimulationUpdates.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	sum := sha256.Sum256(doc)
	if r.seen && sum == r.last {
		metrics.SimulationUpdates.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	r.last, r.seen = sum, true

	r.out.BroadcastSimulation(doc)
	metrics.SimulationUpdates.WithLabelValues("changed").Inc()
	r.logger.Debug("simulation update relayed", "bytes", len(doc))
	return true, nil
}

// fetch returns the compacted JSON body.
func (r *Relay) fetch(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", r.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return buf.Bytes(), nil
}
