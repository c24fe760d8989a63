package hub

import (
	"encoding/json"
	"fmt"
)

// Server to client.
const (
	TypeDBUpdate           = "db_update"
	TypeBackgroundUpdate   = "background_update"
	TypeSimulationUpdate   = "simulation_timestep_update"
	TypeHistoricalAck      = "fetch_historical_data_ack"
	TypeHistoricalResponse = "historical_data_response"
	TypeInitialData        = "initial_data"
	TypeError              = "error"
)

// Client to server.
const (
	TypeFetchHistorical  = "fetch_historical_data"
	TypeSwitchToLive     = "switch_to_live_data"
	TypeFetchInitial     = "fetch_initial_data"
	TypeToggleSimulation = "toggle_simulation_updates"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type historicalRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	Date     string `json:"date"`
	EndDate  string `json:"endDate,omitempty"`
}

type initialRequest struct {
	StartDate string `json:"startDate"`
}

type toggleRequest struct {
	Paused bool `json:"paused"`
}

// Ack answers fetch_historical_data before any data is sent.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RequestError is the payload of an "error" frame sent for a request that
// has no acknowledgement message of its own.
type RequestError struct {
	Request string `json:"request"`
	Error   string `json:"error"`
}

func encode(typ, requestID string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
