// Package store is the reading store adapter: a time-ordered collection of
// reading documents with the cursor and range queries the hub needs.
//
// Two backends are provided: SQLite (documents as JSON rows) and InfluxDB
// (one point per reading). Both return readings exactly as written; invalid
// documents are returned too and left to the caller to reject.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/alimk/power-telemetry-hub/pkg/models"
)

// Store is implemented by every backend.
type Store interface {
	// Insert stores one reading. It reports false when a reading with the
	// same id already exists and was left untouched.
	Insert(ctx context.Context, r models.Reading) (bool, error)

	// ReadingsAfter returns readings with timestamp strictly after cursor,
	// oldest first, at most limit.
	ReadingsAfter(ctx context.Context, cursor time.Time, limit int) ([]models.Reading, error)

	// ReadingsBetween returns readings in [from, to), oldest first, at most
	// limit. An empty deviceID matches every device.
	ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]models.Reading, error)

	// LatestSince returns readings at or after since, newest first, at most limit.
	LatestSince(ctx context.Context, since time.Time, limit int) ([]models.Reading, error)

	// Recent returns the newest readings, optionally for one device.
	Recent(ctx context.Context, deviceID string, limit int) ([]models.Reading, error)

	// HasDevice reports whether any reading was ever stored for deviceID.
	HasDevice(ctx context.Context, deviceID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	BackendSQLite   = "sqlite"
	BackendInfluxDB = "influxdb"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	SQLitePath string
	Influx     InfluxOptions
}

// Open returns the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		return OpenSQLite(opts.SQLitePath)
	case BackendInfluxDB:
		return OpenInflux(ctx, opts.Influx)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
