package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TireConfiguration describes the axle layout of a truck.
type TireConfiguration struct {
	Count  int    `bson:"count" json:"count"`
	Layout string `bson:"layout" json:"layout"` // e.g. "6x4", "4x2"
}

// Truck represents a fleet vehicle.
type Truck struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PlateNumber  string             `bson:"plate_number" json:"plate_number"`
	VIN          string             `bson:"vin" json:"vin"`
	Model        string             `bson:"model" json:"model"`
	Year         int                `bson:"year" json:"year"`
	Tires        TireConfiguration  `bson:"tires" json:"tires"`
	FleetGroupID string             `bson:"fleet_group_id,omitempty" json:"fleet_group_id,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}
