package fleet

import "time"

// assumedSpeedMps converts the distance threshold into a time gap: 50 km/h,
// the speed bound assumed for a unit that went silent mid-drive.
const assumedSpeedMps = 50.0 / 3.6

// Estimator produces a synthetic "where is it probably now" report when the
// latest true report is older than the configured gap.
//
// The threshold is a distance in meters: the estimator interpolates once the
// vehicle could have covered more than ThresholdMeters since its last report,
// assuming 50 km/h. The model is hold-last-known-position: the synthetic
// report keeps the last coordinates, is stamped with the asOf instant, and is
// marked Estimated so callers can tell it from a true report. It is never
// persisted.
type Estimator struct {
	Active          bool
	ThresholdMeters float64
}

func NewEstimator(active bool, thresholdMeters float64) *Estimator {
	return &Estimator{Active: active, ThresholdMeters: thresholdMeters}
}

// MaxGap is the largest silence tolerated before Estimate starts synthesizing.
func (e *Estimator) MaxGap() time.Duration {
	return time.Duration(e.ThresholdMeters / assumedSpeedMps * float64(time.Second))
}

// Estimate returns latest unchanged when interpolation is off or the gap to
// asOf is within the threshold, and a synthetic hold-position report otherwise.
func (e *Estimator) Estimate(latest *PositionReport, asOf time.Time) *PositionReport {
	if latest == nil || !e.Active {
		return latest
	}
	if asOf.Sub(latest.AcquiredAt) <= e.MaxGap() {
		return latest
	}
	est := *latest
	est.ID = ""
	est.AcquiredAt = asOf
	est.IsLatest = false
	est.Estimated = true
	return &est
}
