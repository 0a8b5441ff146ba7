package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateWithinGapReturnsLatestUnchanged(t *testing.T) {
	e := NewEstimator(true, 500) // 500 m at 50 km/h -> 36 s gap
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	latest := report("AMB-2", base, 45.0, 9.0)
	latest.IsLatest = true

	got := e.Estimate(latest, base.Add(10*time.Second))
	assert.Same(t, latest, got)
	assert.False(t, got.Estimated)
}

func TestEstimateBeyondGapSynthesizes(t *testing.T) {
	e := NewEstimator(true, 500)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	latest := report("AMB-2", base, 45.0, 9.0)
	latest.ID = "true-report"
	latest.IsLatest = true

	asOf := base.Add(2 * time.Minute)
	got := e.Estimate(latest, asOf)

	require.NotSame(t, latest, got)
	assert.True(t, got.Estimated)
	assert.Equal(t, asOf, got.AcquiredAt)
	assert.Empty(t, got.ID)
	assert.False(t, got.IsLatest)
	// Hold-last-position model: coordinates do not move.
	assert.Equal(t, latest.Lat, got.Lat)
	assert.Equal(t, latest.Lon, got.Lon)

	// The true report is untouched.
	assert.Equal(t, base, latest.AcquiredAt)
	assert.True(t, latest.IsLatest)
}

func TestEstimateDisabled(t *testing.T) {
	e := NewEstimator(false, 500)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	latest := report("AMB-2", base, 45.0, 9.0)

	got := e.Estimate(latest, base.Add(24*time.Hour))
	assert.Same(t, latest, got)
}

func TestEstimateNilLatest(t *testing.T) {
	e := NewEstimator(true, 500)
	assert.Nil(t, e.Estimate(nil, time.Now()))
}

func TestMaxGapConversion(t *testing.T) {
	e := NewEstimator(true, 500)
	// 500 m / (50 km/h = 13.889 m/s) = 36 s.
	assert.InDelta(t, 36, e.MaxGap().Seconds(), 0.1)
}
