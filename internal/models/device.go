package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DeviceStatus is the provisioning state of a telemetry unit. Devices are never
// hard-deleted; they move to DeviceInactive instead.
type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
)

// IsValid reports whether s is a known status.
func (s DeviceStatus) IsValid() bool {
	return s == DeviceActive || s == DeviceInactive
}

// Device represents a physical telemetry unit mounted on a truck.
type Device struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	TruckID      *string            `bson:"truck_id,omitempty" json:"truck_id,omitempty"` // nil when unassigned
	SerialNumber string             `bson:"serial_number" json:"serial_number"`
	SIM          string             `bson:"sim" json:"sim"`
	Status       DeviceStatus       `bson:"status" json:"status"`
	FirstSeen    *time.Time         `bson:"first_seen,omitempty" json:"first_seen,omitempty"`
	LastSeen     *time.Time         `bson:"last_seen,omitempty" json:"last_seen,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}
