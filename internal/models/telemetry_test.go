package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryEvent_UnmarshalDispatchesOnKind(t *testing.T) {
	frame := []byte(`{
		"device_id": "dev-1",
		"truck_id": "truck-1",
		"ts": "2024-12-03T10:00:00Z",
		"kind": "tire_pressure",
		"payload": {"position": "front_left", "pressure_kpa": 610.5}
	}`)

	var e TelemetryEvent
	require.NoError(t, json.Unmarshal(frame, &e))

	assert.Equal(t, KindTirePressure, e.Kind())
	tp, ok := e.Payload.(TirePressure)
	require.True(t, ok, "payload should decode as TirePressure")
	assert.Equal(t, "front_left", tp.Position)
	assert.Equal(t, 610.5, tp.PressureKPa)
	assert.NoError(t, e.Validate())
}

func TestTelemetryEvent_UnknownKind(t *testing.T) {
	var e TelemetryEvent
	err := json.Unmarshal([]byte(`{"device_id":"d","truck_id":"t","ts":"2024-12-03T10:00:00Z","kind":"warp","payload":{}}`), &e)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestTelemetryEvent_MarshalCarriesKind(t *testing.T) {
	e := TelemetryEvent{
		DeviceID: "dev-1",
		TruckID:  "truck-1",
		TS:       time.Date(2024, 12, 3, 10, 0, 0, 0, time.UTC),
		Payload:  GPSPosition{Latitude: 51.5, Longitude: -0.12, Speed: 40, Heading: 90, HDOP: 0.9},
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "gps", m["kind"])
	assert.Equal(t, 51.5, m["payload"].(map[string]interface{})["latitude"])
}

func TestTelemetryEvent_Validate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name    string
		event   TelemetryEvent
		wantErr bool
	}{
		{"valid fuel", TelemetryEvent{DeviceID: "d", TruckID: "t", TS: ts, Payload: FuelLevel{Percent: 55}}, false},
		{"missing truck", TelemetryEvent{DeviceID: "d", TS: ts, Payload: FuelLevel{Percent: 55}}, true},
		{"missing ts", TelemetryEvent{DeviceID: "d", TruckID: "t", Payload: FuelLevel{Percent: 55}}, true},
		{"missing payload", TelemetryEvent{DeviceID: "d", TruckID: "t", TS: ts}, true},
		{"fuel over 100", TelemetryEvent{DeviceID: "d", TruckID: "t", TS: ts, Payload: FuelLevel{Percent: 120}}, true},
		{"latitude out of range", TelemetryEvent{DeviceID: "d", TruckID: "t", TS: ts, Payload: GPSPosition{Latitude: 95}}, true},
		{"tire without position", TelemetryEvent{DeviceID: "d", TruckID: "t", TS: ts, Payload: TirePressure{PressureKPa: 600}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox{MinLat: 50, MinLon: -1, MaxLat: 52, MaxLon: 1}
	require.NoError(t, box.Validate())
	assert.True(t, box.Contains(Location{Lat: 51.5, Lon: -0.12}))
	assert.True(t, box.Contains(Location{Lat: 52, Lon: 1}))
	assert.False(t, box.Contains(Location{Lat: 40.7, Lon: -74}))

	inverted := BoundingBox{MinLat: 52, MinLon: -1, MaxLat: 50, MaxLon: 1}
	assert.Error(t, inverted.Validate())
}
