package alerts

import (
	"github.com/ukydev/fleet-telemetry/internal/models"
)

// Thresholds configures when a reading counts as a breach.
type Thresholds struct {
	TireLowKPa              float64
	TireHighKPa             float64
	FuelLowPercent          float64
	HubTempHighC            float64
	OverspeedKPH            float64
	DeviceBatteryLowPercent float64
}

// DefaultThresholds returns limits for a typical heavy truck.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TireLowKPa:              620,
		TireHighKPa:             900,
		FuelLowPercent:          10,
		HubTempHighC:            120,
		OverspeedKPH:            110,
		DeviceBatteryLowPercent: 15,
	}
}

// Breach is one threshold crossed by a reading.
type Breach struct {
	Type     models.AlertType
	Severity models.Severity
	Detail   map[string]interface{}
}

// Breaches returns every threshold the event crosses. A zero threshold
// disables its rule.
func Breaches(t Thresholds, event models.TelemetryEvent) []Breach {
	var out []Breach
	switch p := event.Payload.(type) {
	case models.TirePressure:
		detail := map[string]interface{}{"position": p.Position, "pressure_kpa": p.PressureKPa}
		if t.TireLowKPa > 0 && p.PressureKPa < t.TireLowKPa {
			detail["threshold_kpa"] = t.TireLowKPa
			out = append(out, Breach{Type: models.AlertLowTirePressure, Severity: models.SeverityHigh, Detail: detail})
		} else if t.TireHighKPa > 0 && p.PressureKPa > t.TireHighKPa {
			detail["threshold_kpa"] = t.TireHighKPa
			out = append(out, Breach{Type: models.AlertHighTirePressure, Severity: models.SeverityMedium, Detail: detail})
		}
	case models.FuelLevel:
		if t.FuelLowPercent > 0 && p.Percent < t.FuelLowPercent {
			out = append(out, Breach{
				Type:     models.AlertLowFuel,
				Severity: models.SeverityMedium,
				Detail:   map[string]interface{}{"percent": p.Percent, "threshold_percent": t.FuelLowPercent},
			})
		}
	case models.HubTemperature:
		if t.HubTempHighC > 0 && p.Celsius > t.HubTempHighC {
			out = append(out, Breach{
				Type:     models.AlertHighHubTemperature,
				Severity: models.SeverityCritical,
				Detail:   map[string]interface{}{"position": p.Position, "celsius": p.Celsius, "threshold_c": t.HubTempHighC},
			})
		}
	case models.Speed:
		out = appendOverspeed(out, t, p.KPH, "speed")
	case models.GPSPosition:
		out = appendOverspeed(out, t, p.Speed, "gps")
	case models.DeviceHealth:
		if t.DeviceBatteryLowPercent > 0 && p.BatteryPercent < t.DeviceBatteryLowPercent {
			out = append(out, Breach{
				Type:     models.AlertDeviceLowBattery,
				Severity: models.SeverityLow,
				Detail:   map[string]interface{}{"battery_percent": p.BatteryPercent, "threshold_percent": t.DeviceBatteryLowPercent},
			})
		}
	}
	return out
}

func appendOverspeed(out []Breach, t Thresholds, kph float64, source string) []Breach {
	if t.OverspeedKPH <= 0 || kph <= t.OverspeedKPH {
		return out
	}
	return append(out, Breach{
		Type:     models.AlertOverspeed,
		Severity: models.SeverityLow,
		Detail:   map[string]interface{}{"kph": kph, "threshold_kph": t.OverspeedKPH, "source": source},
	})
}
