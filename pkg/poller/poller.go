// Package poller is the change poller: on a fixed interval it asks the
// reading store for everything newer than its cursor, drops ids it has
// already delivered, validates and enriches the rest and hands the batch to
// the broadcaster.
//
// The cursor and the dedup window belong to the poller goroutine. A cycle
// stages its work and commits both only at the very end, so a store error or
// a panic leaves them exactly as they were.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/alimk/power-telemetry-hub/pkg/dedup"
	"github.com/alimk/power-telemetry-hub/pkg/enrich"
	"github.com/alimk/power-telemetry-hub/pkg/metrics"
	"github.com/alimk/power-telemetry-hub/pkg/models"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 33
)

// ErrCyclePanic wraps a recovered panic returned by Poll.
var ErrCyclePanic = errors.New("poll cycle panicked")

// Source is the poll-cursor view of the reading store.
type Source interface {
	ReadingsAfter(ctx context.Context, cursor time.Time, limit int) ([]models.Reading, error)
}

// Broadcaster receives every non-empty enriched batch.
type Broadcaster interface {
	Broadcast(batch []models.Reading)
}

// Mirror optionally republishes delivered batches. Failures are logged only.
type Mirror interface {
	Publish(ctx context.Context, batch []models.Reading) error
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	WindowLimit int
	// Start is the initial cursor. Zero means the time New is called.
	Start time.Time
	// Mirror may be nil.
	Mirror Mirror
	// Now replaces the wall clock in tests.
	Now func() time.Time
}

type Poller struct {
	source   Source
	enricher *enrich.Enricher
	out      Broadcaster
	mirror   Mirror
	logger   *slog.Logger
	now      func() time.Time

	interval  time.Duration
	batchSize int

	// Owned by the goroutine calling Poll/Run.
	cursor time.Time
	window *dedup.Window
}

func New(source Source, enricher *enrich.Enricher, out Broadcaster, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = dedup.DefaultLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Start.IsZero() {
		cfg.Start = cfg.Now()
	}
	p := &Poller{
		source:    source,
		enricher:  enricher,
		out:       out,
		mirror:    cfg.Mirror,
		logger:    logger,
		now:       cfg.Now,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		cursor:    cfg.Start,
		window:    dedup.New(cfg.WindowLimit),
	}
	metrics.CursorTimestamp.Set(float64(p.cursor.Unix()))
	return p
}

// Run polls every interval until ctx is cancelled. The first cycle runs one
// interval after start. Cycle errors are logged by Poll and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started",
		"interval", p.interval.String(),
		"batch_size", p.batchSize,
		"cursor", p.cursor.UTC().Format(time.RFC3339Nano),
	)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", "cursor", p.cursor.UTC().Format(time.RFC3339Nano))
			return nil
		case <-ticker.C:
			_, _ = p.Poll(ctx)
		}
	}
}

// Poll runs one cycle and returns the number of readings delivered.
func (p *Poller) Poll(ctx context.Context) (delivered int, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.PollCycles.WithLabelValues("panic").Inc()
			p.logger.Error("poll cycle aborted",
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			delivered, err = 0, fmt.Errorf("%w: %v", ErrCyclePanic, rec)
		}
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	batch, err := p.source.ReadingsAfter(ctx, p.cursor, p.batchSize)
	if err != nil {
		metrics.PollCycles.WithLabelValues("store_error").Inc()
		if ctx.Err() == nil {
			p.logger.Warn("poll query failed",
				"cursor", p.cursor.UTC().Format(time.RFC3339Nano),
				"error", err,
			)
		}
		return 0, fmt.Errorf("query readings after %s: %w", p.cursor.UTC().Format(time.RFC3339Nano), err)
	}
	now := p.now()
	metrics.ReadingsFetched.Add(float64(len(batch)))

	fresh := p.firstSeen(batch)
	out := p.enricher.ApplyAll(fresh)
	if len(out) > 0 {
		p.out.Broadcast(out)
		metrics.ReadingsDelivered.Add(float64(len(out)))
		if p.mirror != nil {
			if err := p.mirror.Publish(ctx, out); err != nil {
				metrics.MirrorFailures.Inc()
				p.logger.Warn("mirror publish failed", "readings", len(out), "error", err)
			}
		}
	}

	p.commit(fresh, now)

	if len(batch) == 0 {
		metrics.PollCycles.WithLabelValues("empty").Inc()
	} else {
		metrics.PollCycles.WithLabelValues("ok").Inc()
		p.logger.Debug("poll cycle",
			"fetched", len(batch),
			"fresh", len(fresh),
			"delivered", len(out),
		)
	}
	return len(out), nil
}

// firstSeen keeps readings whose id is neither in the window nor repeated
// earlier in the same batch. The window is only read here.
func (p *Poller) firstSeen(batch []models.Reading) []models.Reading {
	fresh := make([]models.Reading, 0, len(batch))
	inBatch := make(map[string]struct{}, len(batch))
	for _, r := range batch {
		if _, dup := inBatch[r.ID]; dup || p.window.Contains(r.ID) {
			metrics.ReadingsDuplicate.Inc()
			continue
		}
		inBatch[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}

// commit records the cycle's ids (rejected ones too, they would be rejected
// again) and advances the cursor. The cursor never moves backwards.
func (p *Poller) commit(fresh []models.Reading, now time.Time) {
	for _, r := range fresh {
		p.window.Admit(r.ID)
	}
	if p.window.Len() > p.window.Limit() {
		removed := p.window.Trim()
		p.logger.Debug("dedup window trimmed", "removed", removed, "kept", p.window.Len())
	}
	metrics.DedupWindowSize.Set(float64(p.window.Len()))

	if now.After(p.cursor) {
		p.cursor = now
		metrics.CursorTimestamp.Set(float64(now.Unix()))
	}
}

// Cursor returns the current cursor. Call it from the polling goroutine.
func (p *Poller) Cursor() time.Time { return p.cursor }

// WindowLen returns the number of ids in the dedup window.
func (p *Poller) WindowLen() int { return p.window.Len() }
