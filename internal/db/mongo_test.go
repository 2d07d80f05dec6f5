package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

func TestConnectMongo_BadURI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ConnectMongo(ctx, "mongodb://bad:uri")
	if err == nil {
		t.Error("expected error for bad URI, got nil")
	}
	if client != nil {
		t.Error("expected nil client on error")
	}
}

func TestFleetRegistry_NilCollections(t *testing.T) {
	r := &FleetRegistry{}
	ctx := context.Background()

	_, err := r.RegisterDevice(ctx, models.Device{SerialNumber: "SN-1"})
	assert.Error(t, err)
	assert.Error(t, r.TouchDevice(ctx, "SN-1", time.Now()))
	assert.Error(t, r.SetDeviceStatus(ctx, "SN-1", models.DeviceInactive))
	_, err = r.InsertTruck(ctx, models.Truck{PlateNumber: "AB-123"})
	assert.Error(t, err)
	_, err = r.FindTruckByID(ctx, "507f1f77bcf86cd799439011")
	assert.Error(t, err)
	assert.Error(t, r.EnsureIndexes(ctx))
}

func TestDeviceFilter(t *testing.T) {
	byID := deviceFilter("507f1f77bcf86cd799439011")
	assert.Contains(t, byID, "_id")

	bySerial := deviceFilter("SN-0042")
	assert.Equal(t, "SN-0042", bySerial["serial_number"])
}

// Integration test (requires running MongoDB)
func TestFleetRegistry_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		t.Skipf("failed to connect: %v, skipping integration test", err)
	}
	defer client.Disconnect(context.Background())

	database := client.Database("test_fleet_telemetry")
	defer database.Drop(context.Background())

	registry := NewFleetRegistry(database)
	require.NoError(t, registry.EnsureIndexes(ctx))

	truckID, err := registry.InsertTruck(ctx, models.Truck{PlateNumber: "TRK-001", VIN: "1HGCM82633A004352", Year: 2022})
	require.NoError(t, err)

	truckHex := truckID.Hex()
	deviceID, err := registry.RegisterDevice(ctx, models.Device{SerialNumber: "SN-001", TruckID: &truckHex})
	require.NoError(t, err)

	early := time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	require.NoError(t, registry.TouchDevice(ctx, deviceID.Hex(), late))
	require.NoError(t, registry.TouchDevice(ctx, "SN-001", early))

	device, err := registry.FindDeviceByID(ctx, deviceID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.DeviceActive, device.Status)
	require.NotNil(t, device.LastSeen)
	require.NotNil(t, device.FirstSeen)
	assert.True(t, device.LastSeen.Equal(late))
	assert.True(t, device.FirstSeen.Equal(early))

	require.NoError(t, registry.SetDeviceStatus(ctx, "SN-001", models.DeviceInactive))
	devices, err := registry.FindDevicesByTruck(ctx, truckHex)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, models.DeviceInactive, devices[0].Status)

	err = registry.TouchDevice(ctx, "SN-missing", late)
	assert.ErrorIs(t, err, ErrNotFound)
}
