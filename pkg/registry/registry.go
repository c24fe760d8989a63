// Package registry keeps the in-memory map from device id to display metadata.
//
// The map is never mutated in place. Load and Refresh build a complete new map
// from a Source and publish it with a single pointer swap, so Lookup never
// blocks on a refresh and never observes a partially built map.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alimk/power-telemetry-hub/pkg/metrics"
)

// Unknown is the name and owner reported for devices missing from the registry.
const Unknown = "Unknown"

// Device is the display metadata for one device.
type Device struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

// Source fetches the full device mapping from wherever it is kept.
type Source interface {
	Devices(ctx context.Context) (map[string]Device, error)
}

// Registry is safe for concurrent use.
type Registry struct {
	source  Source
	logger  *slog.Logger
	current atomic.Pointer[map[string]Device]
}

// New returns an empty registry backed by source. Call Load before serving.
func New(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{source: source, logger: logger}
	empty := map[string]Device{}
	r.current.Store(&empty)
	return r
}

// Load fetches the mapping and installs it. On failure the previous mapping
// stays in effect and the error is returned.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.source.Devices(ctx)
	if err != nil {
		metrics.RegistryRefreshFailures.Inc()
		return fmt.Errorf("load device registry: %w", err)
	}

	next := make(map[string]Device, len(devices))
	for id, d := range devices {
		next[id] = d
	}
	r.current.Store(&next)
	metrics.RegistryDevices.Set(float64(len(next)))
	return nil
}

// Refresh is Load invoked from the refresh timer; failures are logged and
// otherwise ignored.
func (r *Registry) Refresh(ctx context.Context) {
	if err := r.Load(ctx); err != nil {
		r.logger.Warn("device registry refresh failed, keeping previous snapshot",
			"devices", r.Len(),
			"error", err,
		)
		return
	}
	r.logger.Debug("device registry refreshed", "devices", r.Len())
}

// Run refreshes the registry every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Lookup returns the metadata for id, or the Unknown pair.
func (r *Registry) Lookup(id string) Device {
	if d, ok := (*r.current.Load())[id]; ok {
		return d
	}
	return Device{Name: Unknown, Owner: Unknown}
}

// Contains reports whether id is in the current snapshot.
func (r *Registry) Contains(id string) bool {
	_, ok := (*r.current.Load())[id]
	return ok
}

// Len returns the size of the current snapshot.
func (r *Registry) Len() int {
	return len(*r.current.Load())
}
