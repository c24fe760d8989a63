// Package history answers one-shot range queries over stored readings. It
// shares the store and the registry with the poller but never its cursor or
// dedup window, so queries run concurrently with polling.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alimk/power-telemetry-hub/pkg/enrich"
	"github.com/alimk/power-telemetry-hub/pkg/metrics"
	"github.com/alimk/power-telemetry-hub/pkg/models"
)

const (
	// MinLimit is the result cap of any range query.
	MinLimit = 100000
	// PerDayLimit raises the cap for ranges longer than two days.
	PerDayLimit = 50000
	// InitialLimit caps fetch_initial_data.
	InitialLimit = 1000

	dateLayout = "2006-01-02"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidDate    = errors.New("invalid date")
	ErrInvalidRange   = errors.New("end date is before start date")
)

// Store is the part of the reading store used here.
type Store interface {
	ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]models.Reading, error)
	LatestSince(ctx context.Context, since time.Time, limit int) ([]models.Reading, error)
	HasDevice(ctx context.Context, deviceID string) (bool, error)
}

// Devices reports registry membership.
type Devices interface {
	Contains(id string) bool
}

// Request is a historical range request. Dates are YYYY-MM-DD (UTC) or
// RFC 3339. DeviceID and EndDate are optional.
type Request struct {
	DeviceID string
	Date     string
	EndDate  string
}

// Bounds is the resolved query window [From, To) and its result cap.
type Bounds struct {
	From  time.Time
	To    time.Time
	Limit int
}

type Service struct {
	store    Store
	devices  Devices
	enricher *enrich.Enricher
	logger   *slog.Logger
}

func New(store Store, devices Devices, enricher *enrich.Enricher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, devices: devices, enricher: enricher, logger: logger}
}

// Range returns valid, enriched readings in the requested window, oldest first.
func (s *Service) Range(ctx context.Context, req Request) (out []models.Reading, err error) {
	start := time.Now()
	defer func() {
		metrics.HistoryDuration.Observe(time.Since(start).Seconds())
		metrics.HistoryRequests.WithLabelValues(resultLabel(err)).Inc()
	}()

	b, err := Resolve(req)
	if err != nil {
		return nil, err
	}
	if req.DeviceID != "" {
		if err := s.checkDevice(ctx, req.DeviceID); err != nil {
			return nil, err
		}
	}

	raw, err := s.store.ReadingsBetween(ctx, req.DeviceID, b.From, b.To, b.Limit)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	out = s.enricher.ApplyAll(raw)
	s.logger.Info("historical range served",
		"device_id", req.DeviceID,
		"from", b.From.Format(time.RFC3339),
		"to", b.To.Format(time.RFC3339),
		"limit", b.Limit,
		"readings", len(out),
	)
	return out, nil
}

// Initial returns up to InitialLimit of the newest valid readings at or after
// since, oldest first.
func (s *Service) Initial(ctx context.Context, since time.Time) ([]models.Reading, error) {
	raw, err := s.store.LatestSince(ctx, since, InitialLimit)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	out := s.enricher.ApplyAll(raw)
	slices.Reverse(out)
	return out, nil
}

// checkDevice accepts ids known to the registry or present in the store.
func (s *Service) checkDevice(ctx context.Context, id string) error {
	if s.devices != nil && s.devices.Contains(id) {
		return nil
	}
	ok, err := s.store.HasDevice(ctx, id)
	if err != nil {
		return fmt.Errorf("look up device %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return nil
}

// Resolve validates the request dates and computes the query window. A
// date-only EndDate includes that whole day; an RFC 3339 EndDate is the
// exclusive end instant. Without EndDate the window is 24 hours.
func Resolve(req Request) (Bounds, error) {
	from, _, err := ParseDate(req.Date)
	if err != nil {
		return Bounds{}, err
	}
	if req.EndDate == "" {
		return Bounds{From: from, To: from.Add(24 * time.Hour), Limit: MinLimit}, nil
	}

	end, dateOnly, err := ParseDate(req.EndDate)
	if err != nil {
		return Bounds{}, err
	}
	if end.Before(from) {
		return Bounds{}, fmt.Errorf("%w: %s < %s", ErrInvalidRange, req.EndDate, req.Date)
	}
	to := end
	if dateOnly {
		to = end.Add(24 * time.Hour)
	}
	return Bounds{From: from, To: to, Limit: Limit(from, end)}, nil
}

// Limit is max(MinLimit, days*PerDayLimit) where days is the span rounded up,
// at least one.
func Limit(from, end time.Time) int {
	span := end.Sub(from)
	days := int(span / (24 * time.Hour))
	if span%(24*time.Hour) != 0 {
		days++
	}
	days = max(days, 1)
	return max(MinLimit, days*PerDayLimit)
}

// ParseDate accepts YYYY-MM-DD (midnight UTC) or RFC 3339 and reports which
// form was used.
func ParseDate(s string) (t time.Time, dateOnly bool, err error) {
	if s == "" {
		return time.Time{}, false, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), false, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidDate), errors.Is(err, ErrInvalidRange):
		return "bad_request"
	default:
		return "error"
	}
}
