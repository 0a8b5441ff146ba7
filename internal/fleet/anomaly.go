package fleet

import (
	"log/slog"

	"fleettrack-svr/internal/observability"
)

// AnomalyDetector flags physically implausible jumps between two accepted
// positions of the same vehicle. It is observational only: it logs and
// counts, it never blocks or reverses a write.
type AnomalyDetector struct {
	Enabled      bool
	ThresholdKmh float64
	logger       *slog.Logger
}

func NewAnomalyDetector(enabled bool, thresholdKmh int, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		Enabled:      enabled,
		ThresholdKmh: float64(thresholdKmh),
		logger:       logger.With("component", "anomaly"),
	}
}

// Check computes the speed implied by moving from prev to cur and returns it
// in km/h. A zero or negative elapsed time yields 0 and no check: there is
// no meaningful speed to compute.
func (d *AnomalyDetector) Check(prev, cur *PositionReport) float64 {
	if prev == nil || cur == nil {
		return 0
	}
	elapsed := cur.AcquiredAt.Sub(prev.AcquiredAt)
	if elapsed <= 0 {
		return 0
	}
	distKm := HaversineMeters(prev.Lat, prev.Lon, cur.Lat, cur.Lon) / 1000.0
	speedKmh := distKm / elapsed.Hours()

	if d.Enabled && speedKmh > d.ThresholdKmh {
		observability.VelocityAnomalies.Inc()
		d.logger.Warn("implied speed over threshold",
			"vehicle", cur.VehicleCode,
			"speed_kmh", speedKmh,
			"threshold_kmh", d.ThresholdKmh,
			"from_lat", prev.Lat, "from_lon", prev.Lon, "from_at", prev.AcquiredAt,
			"to_lat", cur.Lat, "to_lon", cur.Lon, "to_at", cur.AcquiredAt,
		)
	}
	return speedKmh
}
