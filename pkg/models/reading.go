package models

import (
	"errors"
	"strings"
	"time"
)

// LineMeasurement is one phase of a three-phase power measurement.
type LineMeasurement struct {
	Voltage       float64 `json:"voltage"`
	Current       float64 `json:"current"`
	ApparentPower float64 `json:"apparentPower"`
	ActivePower   float64 `json:"activePower"`
	PowerFactor   float64 `json:"powerFactor"`
	ReactivePower float64 `json:"reactivePower"`
}

// Reading is the shared document contract between the meter collector, the
// ingestor and the telemetry hub. Sub-measurements are pointers because the
// store holds documents as written; an absent key decodes to nil.
type Reading struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	DeviceID    string           `json:"deviceId"`
	L1          *LineMeasurement `json:"L1,omitempty"`
	L2          *LineMeasurement `json:"L2,omitempty"`
	L3          *LineMeasurement `json:"L3,omitempty"`
	Frequency   *float64         `json:"frequency,omitempty"`
	Consumption *float64         `json:"consumption,omitempty"`

	// Enrichment, filled in by the hub from the device registry.
	DeviceName string `json:"deviceName,omitempty"`
	OwnerName  string `json:"ownerName,omitempty"`
}

// Validate reports whether the reading is structurally complete: all three
// line sub-measurements plus frequency and consumption must be present.
// Value ranges are not checked; meters report what they measure.
func (r Reading) Validate() error {
	switch {
	case r.L1 == nil:
		return errors.New("L1 measurement is missing")
	case r.L2 == nil:
		return errors.New("L2 measurement is missing")
	case r.L3 == nil:
		return errors.New("L3 measurement is missing")
	case r.Frequency == nil:
		return errors.New("frequency is missing")
	case r.Consumption == nil:
		return errors.New("consumption is missing")
	}
	return nil
}

// CheckEnvelope checks the fields the ingestor needs to store a document at
// all. A document can pass CheckEnvelope and still fail Validate.
func (r Reading) CheckEnvelope() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("deviceId is required")
	}
	if len(r.DeviceID) > 128 {
		return errors.New("deviceId exceeds 128 characters")
	}
	if len(r.ID) > 128 {
		return errors.New("id exceeds 128 characters")
	}
	return nil
}

// Float returns a pointer to v, for building readings in code.
func Float(v float64) *float64 { return &v }
