package fleet

import (
	"fmt"
	"time"
)

// PositionReport is a single position fix reported by a vehicle unit.
// Stored reports are immutable except for the IsLatest flag, which the
// ingestion path flips when a newer report supersedes this one.
type PositionReport struct {
	ID          string    `json:"id"`
	VehicleCode string    `json:"vehicle_code"`
	AcquiredAt  time.Time `json:"acquired_at"` // when the unit measured the fix, not when we received it
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	SpeedKmh    float64   `json:"speed_kmh,omitempty"`
	Heading     float64   `json:"heading,omitempty"`
	Satellites  int       `json:"sats,omitempty"`
	IsLatest    bool      `json:"is_latest"`
	// Estimated marks a synthetic report produced by the interpolation
	// estimator. Estimated reports are never persisted.
	Estimated bool `json:"estimated,omitempty"`
}

// Supersedes reports whether r should replace prev as the vehicle's latest
// position. Precedence is logical time: a strictly greater acquisition
// instant wins, ties keep the existing latest.
func (r *PositionReport) Supersedes(prev *PositionReport) bool {
	if prev == nil {
		return true
	}
	return r.AcquiredAt.After(prev.AcquiredAt)
}

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

// Validate rejects reports that can never be accepted, before any lock or
// store round-trip is spent on them.
func (r *PositionReport) Validate() error {
	if r.VehicleCode == "" {
		return fmt.Errorf("position report: empty vehicle code")
	}
	if r.AcquiredAt.IsZero() {
		return fmt.Errorf("position report: zero acquisition instant")
	}
	if !coordsValid(r.Lat, r.Lon) {
		return fmt.Errorf("position report: invalid coordinates (%f, %f)", r.Lat, r.Lon)
	}
	return nil
}
