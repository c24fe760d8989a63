package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alimk/power-telemetry-hub/pkg/models"
	"github.com/alimk/power-telemetry-hub/pkg/registry"
)

// SQLite keeps each reading as a JSON document next to the columns it is
// queried by. All methods are safe for concurrent use; the database is opened
// in WAL mode with a single connection so writes are serialised while the
// hub's poller and history queries share it.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and runs the schema
// migration. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	// ?_journal_mode=WAL allows concurrent readers alongside one writer.
	// ?_busy_timeout=5000 retries for up to 5 s on lock contention.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: avoids SQLITE_BUSY and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS readings (
    id               TEXT    PRIMARY KEY,
    device_id        TEXT    NOT NULL,
    ts_unix_nano     INTEGER NOT NULL,
    received_at_unix INTEGER NOT NULL,
    doc              TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_ts
    ON readings (ts_unix_nano);
CREATE INDEX IF NOT EXISTS idx_readings_device_ts
    ON readings (device_id, ts_unix_nano);

CREATE TABLE IF NOT EXISTS devices (
    device_id       TEXT    PRIMARY KEY,
    name            TEXT    NOT NULL,
    owner           TEXT    NOT NULL,
    updated_at_unix INTEGER NOT NULL
);
`)
	return err
}

// Insert implements Store.
func (s *SQLite) Insert(ctx context.Context, r models.Reading) (bool, error) {
	// Enrichment belongs to the hub, never to the stored document.
	r.DeviceName, r.OwnerName = "", ""
	doc, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("marshal reading %s: %w", r.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (id, device_id, ts_unix_nano, received_at_unix, doc)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID,
		r.DeviceID,
		r.Timestamp.UnixNano(),
		time.Now().Unix(),
		string(doc),
	)
	if err != nil {
		return false, fmt.Errorf("insert reading %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReadingsAfter implements Store.
func (s *SQLite) ReadingsAfter(ctx context.Context, cursor time.Time, limit int) ([]models.Reading, error) {
	return s.query(ctx,
		`SELECT id, device_id, ts_unix_nano, doc FROM readings
		 WHERE ts_unix_nano > ?
		 ORDER BY ts_unix_nano ASC, id ASC LIMIT ?`,
		cursor.UnixNano(), limit)
}

// ReadingsBetween implements Store.
func (s *SQLite) ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]models.Reading, error) {
	if deviceID != "" {
		return s.query(ctx,
			`SELECT id, device_id, ts_unix_nano, doc FROM readings
			 WHERE device_id = ? AND ts_unix_nano >= ? AND ts_unix_nano < ?
			 ORDER BY ts_unix_nano ASC, id ASC LIMIT ?`,
			deviceID, from.UnixNano(), to.UnixNano(), limit)
	}
	return s.query(ctx,
		`SELECT id, device_id, ts_unix_nano, doc FROM readings
		 WHERE ts_unix_nano >= ? AND ts_unix_nano < ?
		 ORDER BY ts_unix_nano ASC, id ASC LIMIT ?`,
		from.UnixNano(), to.UnixNano(), limit)
}

// LatestSince implements Store.
func (s *SQLite) LatestSince(ctx context.Context, since time.Time, limit int) ([]models.Reading, error) {
	return s.query(ctx,
		`SELECT id, device_id, ts_unix_nano, doc FROM readings
		 WHERE ts_unix_nano >= ?
		 ORDER BY ts_unix_nano DESC, id DESC LIMIT ?`,
		since.UnixNano(), limit)
}

// Recent implements Store.
func (s *SQLite) Recent(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	if deviceID != "" {
		return s.query(ctx,
			`SELECT id, device_id, ts_unix_nano, doc FROM readings
			 WHERE device_id = ?
			 ORDER BY ts_unix_nano DESC, id DESC LIMIT ?`,
			deviceID, limit)
	}
	return s.query(ctx,
		`SELECT id, device_id, ts_unix_nano, doc FROM readings
		 ORDER BY ts_unix_nano DESC, id DESC LIMIT ?`,
		limit)
}

// HasDevice implements Store.
func (s *SQLite) HasDevice(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM readings WHERE device_id = ? LIMIT 1`, deviceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Devices returns the device metadata table. It lets the SQLite store serve
// as a registry.Source.
func (s *SQLite) Devices(ctx context.Context) (map[string]registry.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, name, owner FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]registry.Device)
	for rows.Next() {
		var id string
		var d registry.Device
		if err := rows.Scan(&id, &d.Name, &d.Owner); err != nil {
			return nil, err
		}
		out[id] = d
	}
	return out, rows.Err()
}

// PutDevice inserts or replaces the metadata of one device.
func (s *SQLite) PutDevice(ctx context.Context, id string, d registry.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, name, owner, updated_at_unix)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		     name = excluded.name,
		     owner = excluded.owner,
		     updated_at_unix = excluded.updated_at_unix`,
		id, d.Name, d.Owner, time.Now().Unix(),
	)
	return err
}

// Stats is a point-in-time summary of the readings table.
type Stats struct {
	RowsTotal     int64
	LastWriteUnix int64
	FileBytes     int64
}

// Stats returns row count, last write time and on-disk size (0 for :memory:).
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(received_at_unix), 0) FROM readings`,
	).Scan(&st.RowsTotal, &st.LastWriteUnix)
	if err != nil {
		return Stats{}, err
	}
	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			st.FileBytes = fi.Size()
		}
	}
	return st, nil
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reading
	for rows.Next() {
		var (
			id, deviceID, doc string
			tsNano            int64
		)
		if err := rows.Scan(&id, &deviceID, &tsNano, &doc); err != nil {
			return nil, err
		}
		out = append(out, decodeDocument(id, deviceID, tsNano, doc))
	}
	return out, rows.Err()
}

// decodeDocument turns a stored row into a Reading. The indexed columns are
// authoritative. A document that no longer decodes comes back with only those
// columns set, so it fails validation downstream instead of stalling a poll.
func decodeDocument(id, deviceID string, tsNano int64, doc string) models.Reading {
	var r models.Reading
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		r = models.Reading{}
	}
	r.ID = id
	r.DeviceID = deviceID
	r.Timestamp = time.Unix(0, tsNano).UTC()
	return r
}
