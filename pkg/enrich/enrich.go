// Package enrich validates raw readings and attaches device display metadata.
package enrich

import (
	"log/slog"

	"github.com/alimk/power-telemetry-hub/pkg/metrics"
	"github.com/alimk/power-telemetry-hub/pkg/models"
	"github.com/alimk/power-telemetry-hub/pkg/registry"
)

// Lookuper resolves a device id to display metadata. It must not fail.
type Lookuper interface {
	Lookup(id string) registry.Device
}

// Enricher is safe for concurrent use; the poller and the history service
// share one.
type Enricher struct {
	devices Lookuper
	logger  *slog.Logger
}

func New(devices Lookuper, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{devices: devices, logger: logger}
}

// Apply returns r with deviceName and ownerName set, or false when r is
// structurally incomplete. Rejections are logged and counted here; callers
// just drop the reading.
func (e *Enricher) Apply(r models.Reading) (models.Reading, bool) {
	if err := r.Validate(); err != nil {
		metrics.ReadingsRejected.Inc()
		e.logger.Warn("dropping invalid reading",
			"reading_id", r.ID,
			"device_id", r.DeviceID,
			"error", err,
		)
		return models.Reading{}, false
	}
	d := e.devices.Lookup(r.DeviceID)
	r.DeviceName = d.Name
	r.OwnerName = d.Owner
	return r, true
}

// ApplyAll enriches batch in order, dropping rejects. The input is not modified.
func (e *Enricher) ApplyAll(batch []models.Reading) []models.Reading {
	out := make([]models.Reading, 0, len(batch))
	for _, r := range batch {
		if enriched, ok := e.Apply(r); ok {
			out = append(out, enriched)
		}
	}
	return out
}
