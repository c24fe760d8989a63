package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/power-telemetry-hub/pkg/enrich"
	"github.com/alimk/power-telemetry-hub/pkg/models"
	"github.com/alimk/power-telemetry-hub/pkg/registry"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memSource honours the cursor contract: strictly after, ascending, limited.
type memSource struct {
	mu       sync.Mutex
	readings []models.Reading
	err      error
	calls    int
	cursors  []time.Time
	ignoreTs bool
}

func (m *memSource) ReadingsAfter(_ context.Context, cursor time.Time, limit int) ([]models.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.cursors = append(m.cursors, cursor)
	if m.err != nil {
		return nil, m.err
	}
	var out []models.Reading
	for _, r := range m.readings {
		if m.ignoreTs || r.Timestamp.After(cursor) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSource) add(rs ...models.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, rs...)
}

type recorder struct {
	mu      sync.Mutex
	batches [][]models.Reading
	panic   bool
}

func (r *recorder) Broadcast(batch []models.Reading) {
	if r.panic {
		panic("broadcast exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type mirrorFunc func(ctx context.Context, batch []models.Reading) error

func (f mirrorFunc) Publish(ctx context.Context, batch []models.Reading) error { return f(ctx, batch) }

type devices map[string]registry.Device

func (d devices) Lookup(id string) registry.Device {
	if dev, ok := d[id]; ok {
		return dev
	}
	return registry.Device{Name: registry.Unknown, Owner: registry.Unknown}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func reading(id, device string, ts time.Time) models.Reading {
	line := &models.LineMeasurement{Voltage: 229.8, Current: 4.2, PowerFactor: 0.97}
	return models.Reading{
		ID: id, DeviceID: device, Timestamp: ts,
		L1: line, L2: line, L3: line,
		Frequency: models.Float(50), Consumption: models.Float(1.2),
	}
}

func newPoller(src Source, out Broadcaster, clk *clock, cfg Config) *Poller {
	e := enrich.New(devices{
		"D1": {Name: "Main switchboard", Owner: "Facilities"},
		"D2": {Name: "Chiller", Owner: "HVAC"},
		"D3": {Name: "Lift motor", Owner: "Building"},
	}, nil)
	cfg.Start = t0
	cfg.Now = clk.Now
	return New(src, e, out, cfg, nil)
}

func TestExampleScenario(t *testing.T) {
	src := &memSource{}
	src.add(
		reading("a", "D1", t0.Add(1*time.Second)),
		reading("b", "D2", t0.Add(2*time.Second)),
		reading("c", "D3", t0.Add(3*time.Second)),
	)
	out := &recorder{}
	clk := &clock{now: t0}
	p := newPoller(src, out, clk, Config{})

	clk.advance(5 * time.Second)
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, t0.Add(5*time.Second), p.Cursor())
	assert.Equal(t, 3, p.WindowLen())

	require.Equal(t, 1, out.count())
	batch := out.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"D1", "D2", "D3"}, []string{batch[0].DeviceID, batch[1].DeviceID, batch[2].DeviceID})
	assert.Equal(t, "Main switchboard", batch[0].DeviceName)
	assert.Equal(t, "HVAC", batch[1].OwnerName)

	clk.advance(5 * time.Second)
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, out.count(), "empty cycle must not broadcast")
	assert.Equal(t, t0.Add(10*time.Second), p.Cursor())
	assert.Equal(t, t0.Add(5*time.Second), src.cursors[1])
}

func TestStoreErrorLeavesStateUntouched(t *testing.T) {
	src := &memSource{err: errors.New("connection reset")}
	out := &recorder{}
	clk := &clock{now: t0}
	p := newPoller(src, out, clk, Config{})

	clk.advance(5 * time.Second)
	_, err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, t0, p.Cursor())
	assert.Zero(t, p.WindowLen())

	// Next tick retries from the same cursor.
	src.err = nil
	src.add(reading("a", "D1", t0.Add(time.Second)))
	clk.advance(5 * time.Second)
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []time.Time{t0, t0}, src.cursors)
}

func TestPanicLeavesStateUntouched(t *testing.T) {
	src := &memSource{}
	src.add(reading("a", "D1", t0.Add(time.Second)))
	out := &recorder{panic: true}
	clk := &clock{now: t0.Add(5 * time.Second)}
	p := newPoller(src, out, clk, Config{})

	n, err := p.Poll(context.Background())
	require.ErrorIs(t, err, ErrCyclePanic)
	assert.Zero(t, n)
	assert.Equal(t, t0, p.Cursor())
	assert.Zero(t, p.WindowLen())

	out.panic = false
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reading from the aborted cycle is delivered on retry")
}

func TestDuplicatesSuppressed(t *testing.T) {
	// The source ignores the cursor, simulating boundary overlap.
	src := &memSource{ignoreTs: true}
	src.add(reading("a", "D1", t0.Add(time.Second)), reading("b", "D2", t0.Add(2*time.Second)))
	out := &recorder{}
	clk := &clock{now: t0.Add(5 * time.Second)}
	p := newPoller(src, out, clk, Config{})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	src.add(reading("c", "D3", t0.Add(6*time.Second)))
	clk.advance(5 * time.Second)
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 2, out.count())
	assert.Equal(t, "c", out.batches[1][0].ID)
}

func TestDuplicateWithinBatch(t *testing.T) {
	src := &memSource{}
	src.add(reading("a", "D1", t0.Add(time.Second)), reading("a", "D1", t0.Add(2*time.Second)))
	out := &recorder{}
	p := newPoller(src, out, &clock{now: t0.Add(5 * time.Second)}, Config{})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.WindowLen())
}

func TestInvalidReadingDroppedButRemembered(t *testing.T) {
	src := &memSource{ignoreTs: true}
	bad := reading("bad", "D1", t0.Add(time.Second))
	bad.Consumption = nil
	src.add(bad, reading("good", "D2", t0.Add(2*time.Second)))
	out := &recorder{}
	clk := &clock{now: t0.Add(5 * time.Second)}
	p := newPoller(src, out, clk, Config{})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, out.batches[0], 1)
	assert.Equal(t, "good", out.batches[0][0].ID)
	assert.Equal(t, 2, p.WindowLen())
}

func TestAllInvalidMeansNoBroadcast(t *testing.T) {
	src := &memSource{}
	bad := reading("bad", "D1", t0.Add(time.Second))
	bad.L2 = nil
	src.add(bad)
	out := &recorder{}
	p := newPoller(src, out, &clock{now: t0.Add(5 * time.Second)}, Config{})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.count())
	assert.Equal(t, t0.Add(5*time.Second), p.Cursor())
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	src := &memSource{}
	clk := &clock{now: t0.Add(10 * time.Second)}
	p := newPoller(src, &recorder{}, clk, Config{})

	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), p.Cursor())

	clk.now = t0.Add(3 * time.Second)
	_, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), p.Cursor())
}

func TestBatchSizeLimit(t *testing.T) {
	src := &memSource{}
	for i := 0; i < 50; i++ {
		src.add(reading(fmt.Sprintf("r%02d", i), "D1", t0.Add(time.Duration(i+1)*time.Millisecond)))
	}
	out := &recorder{}
	p := newPoller(src, out, &clock{now: t0.Add(5 * time.Second)}, Config{})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, n)
	assert.Equal(t, "r00", out.batches[0][0].ID)
}

func TestWindowTrimmedPastLimit(t *testing.T) {
	src := &memSource{ignoreTs: true}
	out := &recorder{}
	clk := &clock{now: t0}
	p := newPoller(src, out, clk, Config{BatchSize: 10, WindowLimit: 20})

	for cycle := 0; cycle < 3; cycle++ {
		src.mu.Lock()
		src.readings = nil
		src.mu.Unlock()
		for i := 0; i < 10; i++ {
			src.add(reading(fmt.Sprintf("c%d-%d", cycle, i), "D1", t0))
		}
		clk.advance(5 * time.Second)
		_, err := p.Poll(context.Background())
		require.NoError(t, err)
	}
	// 30 ids seen, limit 20 crossed on the third cycle: keep newest 10.
	assert.Equal(t, 10, p.WindowLen())
	assert.True(t, p.window.Contains("c2-9"))
	assert.False(t, p.window.Contains("c1-0"))
}

func TestMirrorFailureDoesNotBlockDelivery(t *testing.T) {
	src := &memSource{}
	src.add(reading("a", "D1", t0.Add(time.Second)))
	out := &recorder{}
	var mirrored int
	mirror := mirrorFunc(func(_ context.Context, batch []models.Reading) error {
		mirrored += len(batch)
		return errors.New("broker unavailable")
	})
	clk := &clock{now: t0.Add(5 * time.Second)}
	p := newPoller(src, out, clk, Config{Mirror: mirror})

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, mirrored)
	assert.Equal(t, 1, p.WindowLen())
	assert.Equal(t, clk.now, p.Cursor())
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &memSource{}
	p := New(src, enrich.New(devices{}, nil), &recorder{}, Config{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
