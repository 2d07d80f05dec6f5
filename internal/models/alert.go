package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Severity classifies an alert. Ordering for display: critical > high > medium > low.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a sortable weight; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AlertType names the threshold that was breached.
type AlertType string

const (
	AlertLowTirePressure    AlertType = "low_tire_pressure"
	AlertHighTirePressure   AlertType = "high_tire_pressure"
	AlertLowFuel            AlertType = "low_fuel"
	AlertHighHubTemperature AlertType = "high_hub_temperature"
	AlertOverspeed          AlertType = "overspeed"
	AlertDeviceLowBattery   AlertType = "device_low_battery"
)

// AlertEvent is derived from a telemetry breach. Only Acknowledged and ResolvedAt
// change after creation.
type AlertEvent struct {
	ID             int64           `json:"id"`
	TruckID        string          `json:"truck_id"`
	DeviceID       string          `json:"device_id,omitempty"`
	Type           AlertType       `json:"type"`
	Severity       Severity        `json:"severity"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedBy *string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsResolved reports whether the alert has been closed.
func (a AlertEvent) IsResolved() bool {
	return a.ResolvedAt != nil
}

// AlertLess orders alerts by severity descending, then most recent first.
func AlertLess(a, b AlertEvent) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.OccurredAt.After(b.OccurredAt)
}
