package db

import (
	"context"
	"time"

	"github.com/ukydev/fleet-telemetry/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DeviceCollection defines the interface for device registry operations.
type DeviceCollection interface {
	RegisterDevice(ctx context.Context, device models.Device) (primitive.ObjectID, error)
	FindDeviceByID(ctx context.Context, id string) (*models.Device, error)
	TouchDevice(ctx context.Context, deviceID string, seen time.Time) error
	SetDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
	AssignDevice(ctx context.Context, deviceID string, truckID *string) error
	FindDevicesByTruck(ctx context.Context, truckID string) ([]models.Device, error)
}

// TruckCollection defines the interface for truck registry operations.
type TruckCollection interface {
	InsertTruck(ctx context.Context, truck models.Truck) (primitive.ObjectID, error)
	FindTruckByID(ctx context.Context, id string) (*models.Truck, error)
	FindTrucks(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (TruckCursor, error)
}

// TruckCursor defines the interface for truck cursor operations.
type TruckCursor interface {
	All(ctx context.Context, out interface{}) error
	Close(ctx context.Context) error
}

var (
	_ DeviceCollection = (*FleetRegistry)(nil)
	_ TruckCollection  = (*FleetRegistry)(nil)
	_ Pool             = (*Manager)(nil)
)
