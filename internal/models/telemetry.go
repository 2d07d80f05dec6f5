package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventKind tags the payload carried by a TelemetryEvent.
type EventKind string

const (
	KindGPS            EventKind = "gps"
	KindTirePressure   EventKind = "tire_pressure"
	KindFuelLevel      EventKind = "fuel_level"
	KindSpeed          EventKind = "speed"
	KindLock           EventKind = "lock"
	KindHubTemperature EventKind = "hub_temperature"
	KindDeviceStatus   EventKind = "device_status"
)

// EventKinds lists every known kind.
var EventKinds = []EventKind{
	KindGPS, KindTirePressure, KindFuelLevel, KindSpeed,
	KindLock, KindHubTemperature, KindDeviceStatus,
}

// IsValid reports whether k is a known kind.
func (k EventKind) IsValid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is the kind-specific body of a TelemetryEvent.
type Payload interface {
	Kind() EventKind
	Validate() error
}

// GPSPosition is a positional fix.
type GPSPosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`   // km/h
	Heading   float64 `json:"heading"` // degrees from north
	HDOP      float64 `json:"hdop"`
	Source    string  `json:"source,omitempty"` // "gps", "glonass", "cell"
}

func (GPSPosition) Kind() EventKind { return KindGPS }

func (p GPSPosition) Validate() error {
	if err := p.Location().Validate(); err != nil {
		return err
	}
	if p.Heading < 0 || p.Heading >= 360 {
		return fmt.Errorf("heading %f out of range", p.Heading)
	}
	if p.Speed < 0 || p.HDOP < 0 {
		return errors.New("speed and hdop must be non-negative")
	}
	return nil
}

// Location returns the fix coordinates.
func (p GPSPosition) Location() Location {
	return Location{Lat: p.Latitude, Lon: p.Longitude}
}

// TirePressure is a single tire sensor reading.
type TirePressure struct {
	Position     string   `json:"position"` // e.g. "front_left", "axle2_outer_right"
	PressureKPa  float64  `json:"pressure_kpa"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
}

func (TirePressure) Kind() EventKind { return KindTirePressure }

func (p TirePressure) Validate() error {
	if p.Position == "" {
		return errors.New("tire position is required")
	}
	if p.PressureKPa < 0 {
		return fmt.Errorf("pressure %f is negative", p.PressureKPa)
	}
	return nil
}

// FuelLevel is a tank reading.
type FuelLevel struct {
	Percent float64  `json:"percent"`
	Liters  *float64 `json:"liters,omitempty"`
}

func (FuelLevel) Kind() EventKind { return KindFuelLevel }

func (p FuelLevel) Validate() error {
	if p.Percent < 0 || p.Percent > 100 {
		return fmt.Errorf("fuel percent %f out of range", p.Percent)
	}
	return nil
}

// Speed is a vehicle speed sample independent of a GPS fix.
type Speed struct {
	KPH float64 `json:"kph"`
}

func (Speed) Kind() EventKind { return KindSpeed }

func (p Speed) Validate() error {
	if p.KPH < 0 {
		return fmt.Errorf("speed %f is negative", p.KPH)
	}
	return nil
}

// Lock is a cargo or cab lock state change.
type Lock struct {
	Locked bool   `json:"locked"`
	Door   string `json:"door,omitempty"`
}

func (Lock) Kind() EventKind { return KindLock }

func (Lock) Validate() error { return nil }

// HubTemperature is a wheel hub temperature reading.
type HubTemperature struct {
	Position string  `json:"position"`
	Celsius  float64 `json:"celsius"`
}

func (HubTemperature) Kind() EventKind { return KindHubTemperature }

func (p HubTemperature) Validate() error {
	if p.Position == "" {
		return errors.New("hub position is required")
	}
	if p.Celsius < -273.15 {
		return fmt.Errorf("temperature %f below absolute zero", p.Celsius)
	}
	return nil
}

// DeviceHealth is a device self-report.
type DeviceHealth struct {
	BatteryPercent  float64 `json:"battery_percent"`
	SignalDBM       int     `json:"signal_dbm"`
	FirmwareVersion string  `json:"firmware_version,omitempty"`
}

func (DeviceHealth) Kind() EventKind { return KindDeviceStatus }

func (p DeviceHealth) Validate() error {
	if p.BatteryPercent < 0 || p.BatteryPercent > 100 {
		return fmt.Errorf("battery percent %f out of range", p.BatteryPercent)
	}
	return nil
}

// TelemetryEvent is the common envelope for every telemetry reading. Events are
// immutable once stored. ID is assigned by the store.
type TelemetryEvent struct {
	ID       int64     `json:"id,omitempty"`
	DeviceID string    `json:"device_id"`
	TruckID  string    `json:"truck_id"`
	TS       time.Time `json:"ts"`
	Payload  Payload   `json:"-"`
}

// Kind returns the payload kind, or "" when the payload is missing.
func (e TelemetryEvent) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Validate checks the envelope and payload.
func (e TelemetryEvent) Validate() error {
	if e.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if e.TruckID == "" {
		return errors.New("truck_id is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	if e.Payload == nil {
		return errors.New("payload is required")
	}
	return e.Payload.Validate()
}

type eventJSON struct {
	ID       int64           `json:"id,omitempty"`
	DeviceID string          `json:"device_id"`
	TruckID  string          `json:"truck_id"`
	TS       time.Time       `json:"ts"`
	Kind     EventKind       `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// MarshalJSON writes the envelope with a "kind" tag next to the payload.
func (e TelemetryEvent) MarshalJSON() ([]byte, error) {
	raw := json.RawMessage("null")
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(eventJSON{
		ID:       e.ID,
		DeviceID: e.DeviceID,
		TruckID:  e.TruckID,
		TS:       e.TS,
		Kind:     e.Kind(),
		Payload:  raw,
	})
}

// UnmarshalJSON decodes the payload according to the "kind" tag.
func (e *TelemetryEvent) UnmarshalJSON(data []byte) error {
	var env eventJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*e = TelemetryEvent{
		ID:       env.ID,
		DeviceID: env.DeviceID,
		TruckID:  env.TruckID,
		TS:       env.TS,
		Payload:  p,
	}
	return nil
}

// DecodePayload unmarshals raw into the payload type registered for kind.
func DecodePayload(kind EventKind, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindGPS:
		var v GPSPosition
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindTirePressure:
		var v TirePressure
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindFuelLevel:
		var v FuelLevel
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindSpeed:
		var v Speed
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindLock:
		var v Lock
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindHubTemperature:
		var v HubTemperature
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	case KindDeviceStatus:
		var v DeviceHealth
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	return p, nil
}
