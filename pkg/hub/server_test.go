package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/power-telemetry-hub/pkg/history"
	"github.com/alimk/power-telemetry-hub/pkg/models"
)

type fakeQuerier struct {
	readings []models.Reading
	since    chan time.Time
}

func (f *fakeQuerier) Range(_ context.Context, req history.Request) ([]models.Reading, error) {
	if _, err := history.Resolve(req); err != nil {
		return nil, err
	}
	if req.DeviceID == "GHOST" {
		return nil, fmt.Errorf("%w: %s", history.ErrDeviceNotFound, req.DeviceID)
	}
	if req.DeviceID == "BROKEN" {
		return nil, fmt.Errorf("query range: %w", assert.AnError)
	}
	return f.readings, nil
}

func (f *fakeQuerier) Initial(_ context.Context, since time.Time) ([]models.Reading, error) {
	if f.since != nil {
		f.since <- since
	}
	return f.readings, nil
}

type testServer struct {
	hub *Hub
	ws  *websocket.Conn
}

func startServer(t *testing.T, q Querier) testServer {
	t.Helper()
	h := New(Config{}, nil)
	srv := httptest.NewServer(NewServer(h, q, ServerConfig{}, nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	return testServer{hub: h, ws: ws}
}

func (ts testServer) session(t *testing.T) *Session {
	t.Helper()
	sessions := ts.hub.snapshot()
	require.Len(t, sessions, 1)
	return sessions[0]
}

func (ts testServer) send(t *testing.T, typ, requestID string, payload any) {
	t.Helper()
	msg, err := encode(typ, requestID, payload)
	require.NoError(t, err)
	require.NoError(t, ts.ws.WriteMessage(websocket.TextMessage, msg))
}

func (ts testServer) read(t *testing.T) Envelope {
	t.Helper()
	require.NoError(t, ts.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ts.ws.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestFetchHistoricalSwitchesModeAndResponds(t *testing.T) {
	q := &fakeQuerier{readings: batchOf("h1", "h2")}
	ts := startServer(t, q)

	ts.send(t, TypeFetchHistorical, "req-7", historicalRequest{DeviceID: "D1", Date: "2025-01-01"})

	ack := ts.read(t)
	assert.Equal(t, TypeHistoricalAck, ack.Type)
	assert.Equal(t, "req-7", ack.RequestID)
	assert.JSONEq(t, `{"success":true}`, string(ack.Payload))

	resp := ts.read(t)
	assert.Equal(t, TypeHistoricalResponse, resp.Type)
	var readings []models.Reading
	require.NoError(t, json.Unmarshal(resp.Payload, &readings))
	assert.Len(t, readings, 2)

	assert.Equal(t, Historical, ts.session(t).Mode())
	ts.hub.Broadcast(batchOf("live-1"))
	assert.Equal(t, TypeBackgroundUpdate, ts.read(t).Type)
}

func TestFetchHistoricalFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		wantErr string
	}{
		{"unknown device", historicalRequest{DeviceID: "GHOST", Date: "2025-01-01"}, "device not found: GHOST"},
		{"bad date", historicalRequest{Date: "yesterday"}, `invalid date: "yesterday"`},
		{"store failure", historicalRequest{DeviceID: "BROKEN", Date: "2025-01-01"}, "internal error"},
		{"missing payload", nil, "invalid payload: missing payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startServer(t, &fakeQuerier{})
			ts.send(t, TypeFetchHistorical, "r", tt.payload)

			ack := ts.read(t)
			require.Equal(t, TypeHistoricalAck, ack.Type)
			var got Ack
			require.NoError(t, json.Unmarshal(ack.Payload, &got))
			assert.False(t, got.Success)
			assert.Equal(t, tt.wantErr, got.Error)

			// The session stays in historical mode after a failed request.
			assert.Equal(t, Historical, ts.session(t).Mode())
		})
	}
}

func TestSwitchToLive(t *testing.T) {
	ts := startServer(t, &fakeQuerier{})
	s := ts.session(t)
	require.NoError(t, ts.hub.SetMode(s.ID(), Historical))

	ts.send(t, TypeSwitchToLive, "", nil)
	require.Eventually(t, func() bool { return s.Mode() == Live }, time.Second, 5*time.Millisecond)

	ts.hub.Broadcast(batchOf("r1"))
	assert.Equal(t, TypeDBUpdate, ts.read(t).Type)
}

func TestFetchInitialData(t *testing.T) {
	q := &fakeQuerier{readings: batchOf("i1"), since: make(chan time.Time, 1)}
	ts := startServer(t, q)

	ts.send(t, TypeFetchInitial, "init", initialRequest{StartDate: "2025-02-01"})
	env := ts.read(t)
	assert.Equal(t, TypeInitialData, env.Type)
	assert.Equal(t, "init", env.RequestID)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), <-q.since)

	// Bad date gets an error frame.
	ts.send(t, TypeFetchInitial, "init-2", initialRequest{StartDate: "02/01/2025"})
	env = ts.read(t)
	assert.Equal(t, TypeError, env.Type)
	var re RequestError
	require.NoError(t, json.Unmarshal(env.Payload, &re))
	assert.Equal(t, TypeFetchInitial, re.Request)
	assert.Contains(t, re.Error, "invalid date")
}

func TestInitialDataEmptyIsArray(t *testing.T) {
	ts := startServer(t, &fakeQuerier{})
	ts.send(t, TypeFetchInitial, "", initialRequest{StartDate: "2025-02-01"})

	env := ts.read(t)
	require.Equal(t, TypeInitialData, env.Type)
	assert.JSONEq(t, `[]`, string(env.Payload))
}

func TestToggleSimulationUpdates(t *testing.T) {
	ts := startServer(t, &fakeQuerier{})
	s := ts.session(t)

	ts.send(t, TypeToggleSimulation, "", toggleRequest{Paused: true})
	require.Eventually(t, s.SimulationPaused, time.Second, 5*time.Millisecond)

	ts.hub.BroadcastSimulation(json.RawMessage(`{"step":1}`))
	ts.hub.Broadcast(batchOf("r1"))
	assert.Equal(t, TypeDBUpdate, ts.read(t).Type, "paused session must skip simulation frames")

	ts.send(t, TypeToggleSimulation, "", toggleRequest{Paused: false})
	require.Eventually(t, func() bool { return !s.SimulationPaused() }, time.Second, 5*time.Millisecond)
	ts.hub.BroadcastSimulation(json.RawMessage(`{"step":2}`))
	env := ts.read(t)
	assert.Equal(t, TypeSimulationUpdate, env.Type)
	assert.JSONEq(t, `{"step":2}`, string(env.Payload))
}

func TestUnknownAndMalformedMessagesIgnored(t *testing.T) {
	ts := startServer(t, &fakeQuerier{})

	require.NoError(t, ts.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ts.send(t, "subscribe_everything", "", nil)
	ts.hub.Broadcast(batchOf("r1"))

	assert.Equal(t, TypeDBUpdate, ts.read(t).Type)
	assert.Equal(t, 1, ts.hub.Len())
}

func TestDisconnectUnregisters(t *testing.T) {
	ts := startServer(t, &fakeQuerier{})

	require.NoError(t, ts.ws.Close())
	require.Eventually(t, func() bool { return ts.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	ts := startServer(t, &fakeQuerier{})

	ts.hub.Close()
	require.NoError(t, ts.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ts.ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
}

func TestOriginCheck(t *testing.T) {
	h := New(Config{}, nil)
	srv := httptest.NewServer(NewServer(h, &fakeQuerier{}, ServerConfig{AllowedOrigins: []string{"https://ops.example"}}, nil))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://ops.example"}})
	require.NoError(t, err)
	ws.Close()
}
