package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/alimk/power-telemetry-hub/pkg/models"
)

// DefaultMeasurement is the measurement readings are written to.
const DefaultMeasurement = "power_readings"

// InfluxOptions configures the InfluxDB v2 backend.
type InfluxOptions struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Influx stores one point per reading: device_id is a tag, the reading id and
// every measurement are fields named like "L1_voltage".
type Influx struct {
	client      influxdb2.Client
	queries     api.QueryAPI
	writes      api.WriteAPIBlocking
	bucket      string
	measurement string
}

// OpenInflux connects and verifies the server is healthy.
func OpenInflux(ctx context.Context, opts InfluxOptions) (*Influx, error) {
	if opts.URL == "" || opts.Bucket == "" {
		return nil, errors.New("influxdb url and bucket are required")
	}
	if opts.Measurement == "" {
		opts.Measurement = DefaultMeasurement
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb %s: %w", opts.URL, err)
	}
	return &Influx{
		client:      client,
		queries:     client.QueryAPI(opts.Org),
		writes:      client.WriteAPIBlocking(opts.Org, opts.Bucket),
		bucket:      opts.Bucket,
		measurement: opts.Measurement,
	}, nil
}

// Insert implements Store. InfluxDB overwrites a point with the same series
// and time, so Insert always reports true.
func (s *Influx) Insert(ctx context.Context, r models.Reading) (bool, error) {
	if err := s.writes.WritePoint(ctx, readingPoint(s.measurement, r)); err != nil {
		return false, fmt.Errorf("write reading %s: %w", r.ID, err)
	}
	return true, nil
}

// ReadingsAfter implements Store.
func (s *Influx) ReadingsAfter(ctx context.Context, cursor time.Time, limit int) ([]models.Reading, error) {
	return s.query(ctx, afterQuery(s.bucket, s.measurement, cursor, limit))
}

// ReadingsBetween implements Store.
func (s *Influx) ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]models.Reading, error) {
	return s.query(ctx, betweenQuery(s.bucket, s.measurement, deviceID, from, to, limit))
}

// LatestSince implements Store.
func (s *Influx) LatestSince(ctx context.Context, since time.Time, limit int) ([]models.Reading, error) {
	return s.query(ctx, latestQuery(s.bucket, s.measurement, "", since, limit))
}

// Recent implements Store.
func (s *Influx) Recent(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	return s.query(ctx, latestQuery(s.bucket, s.measurement, deviceID, time.Unix(0, 0), limit))
}

// HasDevice implements Store.
func (s *Influx) HasDevice(ctx context.Context, deviceID string) (bool, error) {
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %s and r.device_id == %s)
  |> limit(n: 1)`,
		fluxString(s.bucket), fluxString(s.measurement), fluxString(deviceID))

	result, err := s.queries.Query(ctx, flux)
	if err != nil {
		return false, err
	}
	defer result.Close()
	found := result.Next()
	return found, result.Err()
}

// Ping implements Store.
func (s *Influx) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influxdb not ready")
	}
	return nil
}

// Close implements Store.
func (s *Influx) Close() error {
	s.client.Close()
	return nil
}

func (s *Influx) query(ctx context.Context, flux string) ([]models.Reading, error) {
	result, err := s.queries.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var out []models.Reading
	for result.Next() {
		out = append(out, readingFromValues(result.Record().Values()))
	}
	return out, result.Err()
}

var (
	phases     = []string{"L1", "L2", "L3"}
	lineFields = []string{"voltage", "current", "apparentPower", "activePower", "powerFactor", "reactivePower"}
)

func readingPoint(measurement string, r models.Reading) *write.Point {
	fields := map[string]interface{}{"reading_id": r.ID}
	for i, line := range []*models.LineMeasurement{r.L1, r.L2, r.L3} {
		if line == nil {
			continue
		}
		values := []float64{line.Voltage, line.Current, line.ApparentPower, line.ActivePower, line.PowerFactor, line.ReactivePower}
		for j, name := range lineFields {
			fields[phases[i]+"_"+name] = values[j]
		}
	}
	if r.Frequency != nil {
		fields["frequency"] = *r.Frequency
	}
	if r.Consumption != nil {
		fields["consumption"] = *r.Consumption
	}
	return write.NewPoint(measurement, map[string]string{"device_id": r.DeviceID}, fields, r.Timestamp)
}

// readingFromValues rebuilds a reading from one pivoted Flux row. A phase is
// present when any of its fields is.
func readingFromValues(values map[string]interface{}) models.Reading {
	var r models.Reading
	r.ID, _ = values["reading_id"].(string)
	r.DeviceID, _ = values["device_id"].(string)
	if ts, ok := values["_time"].(time.Time); ok {
		r.Timestamp = ts.UTC()
	}

	lines := []**models.LineMeasurement{&r.L1, &r.L2, &r.L3}
	for i, phase := range phases {
		var line models.LineMeasurement
		targets := []*float64{&line.Voltage, &line.Current, &line.ApparentPower, &line.ActivePower, &line.PowerFactor, &line.ReactivePower}
		present := false
		for j, name := range lineFields {
			if v, ok := values[phase+"_"+name].(float64); ok {
				*targets[j] = v
				present = true
			}
		}
		if present {
			*lines[i] = &line
		}
	}
	if v, ok := values["frequency"].(float64); ok {
		r.Frequency = models.Float(v)
	}
	if v, ok := values["consumption"].(float64); ok {
		r.Consumption = models.Float(v)
	}
	return r
}

const pivotReadings = `
  |> pivot(rowKey: ["_time", "device_id"], columnKey: ["_field"], valueColumn: "_value")
  |> group()`

func afterQuery(bucket, measurement string, cursor time.Time, limit int) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %s)
  |> filter(fn: (r) => r._time > %s)`+pivotReadings+`
  |> sort(columns: ["_time"])
  |> limit(n: %d)`,
		fluxString(bucket), fluxTime(cursor), fluxString(measurement), fluxTime(cursor), limit)
}

func betweenQuery(bucket, measurement, deviceID string, from, to time.Time, limit int) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %s)%s`+pivotReadings+`
  |> sort(columns: ["_time"])
  |> limit(n: %d)`,
		fluxString(bucket), fluxTime(from), fluxTime(to), fluxString(measurement), deviceFilter(deviceID), limit)
}

func latestQuery(bucket, measurement, deviceID string, since time.Time, limit int) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %s)%s`+pivotReadings+`
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		fluxString(bucket), fluxTime(since), fluxString(measurement), deviceFilter(deviceID), limit)
}

func deviceFilter(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	return fmt.Sprintf(`
  |> filter(fn: (r) => r.device_id == %s)`, fluxString(deviceID))
}

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}
