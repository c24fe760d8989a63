package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/power-telemetry-hub/pkg/metrics"
	"github.com/alimk/power-telemetry-hub/pkg/models"
)

func batchOf(ids ...string) []models.Reading {
	out := make([]models.Reading, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Reading{ID: id, DeviceID: "D1", Timestamp: time.Unix(0, 0).UTC(), DeviceName: "Main", OwnerName: "Ops"})
	}
	return out
}

// drain returns every queued frame without blocking.
func drain(t *testing.T, s *Session) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case raw := <-s.Outbox():
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegisterDefaults(t *testing.T) {
	h := New(Config{}, nil)
	s := h.Register()

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, Live, s.Mode())
	assert.False(t, s.SimulationPaused())
	assert.Equal(t, 1, h.Len())

	got, ok := h.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestBroadcastRoutesByMode(t *testing.T) {
	h := New(Config{}, nil)
	live := h.Register()
	hist := h.Register()
	require.NoError(t, h.SetMode(hist.ID(), Historical))

	h.Broadcast(batchOf("r1", "r2"))

	liveMsgs := drain(t, live)
	require.Len(t, liveMsgs, 1)
	assert.Equal(t, TypeDBUpdate, liveMsgs[0].Type)
	var readings []models.Reading
	require.NoError(t, json.Unmarshal(liveMsgs[0].Payload, &readings))
	require.Len(t, readings, 2)
	assert.Equal(t, "Main", readings[0].DeviceName)

	histMsgs := drain(t, hist)
	require.Len(t, histMsgs, 1)
	assert.Equal(t, TypeBackgroundUpdate, histMsgs[0].Type)
	assert.JSONEq(t, string(liveMsgs[0].Payload), string(histMsgs[0].Payload))

	// Back to live: primary channel again.
	require.NoError(t, h.SetMode(hist.ID(), Live))
	h.Broadcast(batchOf("r3"))
	histMsgs = drain(t, hist)
	require.Len(t, histMsgs, 1)
	assert.Equal(t, TypeDBUpdate, histMsgs[0].Type)
}

func TestBroadcastEmptyBatchSendsNothing(t *testing.T) {
	h := New(Config{}, nil)
	s := h.Register()

	h.Broadcast(nil)
	assert.Empty(t, drain(t, s))
}

func TestSimulationGatedByPauseOnly(t *testing.T) {
	h := New(Config{}, nil)
	a := h.Register()
	b := h.Register()
	c := h.Register()
	require.NoError(t, h.SetPaused(b.ID(), true))
	require.NoError(t, h.SetMode(c.ID(), Historical))

	h.BroadcastSimulation(json.RawMessage(`{"timestep":42}`))

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeSimulationUpdate, msgs[0].Type)
	assert.JSONEq(t, `{"timestep":42}`, string(msgs[0].Payload))

	assert.Empty(t, drain(t, b))
	assert.Len(t, drain(t, c), 1, "historical sessions still get simulation updates")

	// Pausing simulation does not affect telemetry.
	h.Broadcast(batchOf("r1"))
	msgs = drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeDBUpdate, msgs[0].Type)
}

func TestFullQueueDropsForThatSessionOnly(t *testing.T) {
	h := New(Config{QueueSize: 2}, nil)
	slow := h.Register()
	fast := h.Register()
	before := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(TypeDBUpdate))

	for i := 0; i < 3; i++ {
		h.Broadcast(batchOf("r"))
		drain(t, fast)
	}

	assert.Len(t, drain(t, slow), 2)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(TypeDBUpdate)))
}

func TestUnregister(t *testing.T) {
	h := New(Config{}, nil)
	s := h.Register()

	require.NoError(t, h.Unregister(s.ID()))
	assert.Equal(t, 0, h.Len())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.ErrorIs(t, h.Unregister(s.ID()), ErrUnknownSession)
	assert.ErrorIs(t, h.SetMode(s.ID(), Historical), ErrUnknownSession)
	assert.ErrorIs(t, h.SetPaused(s.ID(), true), ErrUnknownSession)

	// Broadcasting after removal must not panic or deliver.
	h.Broadcast(batchOf("r1"))
	assert.Empty(t, drain(t, s))
}

func TestReplyWaitsForRoom(t *testing.T) {
	h := New(Config{QueueSize: 1}, nil)
	s := h.Register()
	h.Broadcast(batchOf("r1")) // fills the queue

	errc := make(chan error, 1)
	go func() {
		errc <- h.Reply(context.Background(), s.ID(), TypeHistoricalAck, "req-1", Ack{Success: true})
	}()

	<-s.Outbox()
	require.NoError(t, <-errc)

	raw := <-s.Outbox()
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeHistoricalAck, env.Type)
	assert.Equal(t, "req-1", env.RequestID)
	assert.JSONEq(t, `{"success":true}`, string(env.Payload))
}

func TestReplyGivesUpWhenSessionCloses(t *testing.T) {
	h := New(Config{QueueSize: 1}, nil)
	s := h.Register()
	h.Broadcast(batchOf("r1"))

	errc := make(chan error, 1)
	go func() {
		errc <- h.Reply(context.Background(), s.ID(), TypeInitialData, "", []models.Reading{})
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Unregister(s.ID()))

	select {
	case err := <-errc:
		// ErrUnknownSession if the goroutine had not looked the session up yet.
		assert.True(t, errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrUnknownSession), "err = %v", err)
	case <-time.After(time.Second):
		t.Fatal("Reply blocked after unregister")
	}
}

func TestCloseUnregistersAll(t *testing.T) {
	h := New(Config{}, nil)
	h.Register()
	h.Register()

	h.Close()
	assert.Equal(t, 0, h.Len())
}
