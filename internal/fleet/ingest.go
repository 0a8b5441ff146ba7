package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleettrack-svr/internal/observability"
)

// PositionStore is the persistence surface the ingestion protocol runs on.
// Append with demoteCurrentLatest=true performs the ordered demote-then-insert
// swap of the latest flag; with false it appends to the trail only.
type PositionStore interface {
	GetLatest(ctx context.Context, vehicleCode string) (*PositionReport, error)
	Append(ctx context.Context, rep *PositionReport, demoteCurrentLatest bool) error
	Trail(ctx context.Context, vehicleCode string, from, to time.Time, ascending bool) ([]PositionReport, error)
	Nearest(ctx context.Context, lat, lon, radiusM float64) ([]NearbyVehicle, error)
}

// LeaseLocker is the per-vehicle mutual exclusion surface. Acquire returns
// held=false on contention; infrastructure failures come back as an error so
// callers never mistake an unreachable store for a held lease.
type LeaseLocker interface {
	Acquire(ctx context.Context, vehicleCode string) (bool, error)
	Release(ctx context.Context, vehicleCode string) error
}

// NearbyVehicle is a latest position together with its distance from a query
// point.
type NearbyVehicle struct {
	PositionReport
	DistanceM float64 `json:"distance_m"`
}

// Outcome of a single ingestion.
type Outcome int

const (
	// OutcomeAccepted: the report became the vehicle's latest position.
	OutcomeAccepted Outcome = iota
	// OutcomeStale: the report was appended to the trail for audit but did
	// not supersede the current latest.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Service is the ingestion orchestrator plus the read surface exposed to
// transports. One Service is shared by all workers; concurrency is scoped
// per vehicle by the lease.
type Service struct {
	store     PositionStore
	locks     LeaseLocker
	detector  *AnomalyDetector
	estimator *Estimator
	logger    *slog.Logger

	retries       int
	retryInterval time.Duration

	// OnAccepted, when set, is invoked for every report that becomes a
	// vehicle's latest position (live feed fan-out). It runs after the
	// vehicle's lease has been released.
	OnAccepted func(*PositionReport)
}

func NewService(store PositionStore, locks LeaseLocker, detector *AnomalyDetector, estimator *Estimator, retries int, retryInterval time.Duration, logger *slog.Logger) *Service {
	if retries < 1 {
		retries = 1
	}
	return &Service{
		store:         store,
		locks:         locks,
		detector:      detector,
		estimator:     estimator,
		logger:        logger.With("component", "ingest"),
		retries:       retries,
		retryInterval: retryInterval,
	}
}

// Ingest runs the full per-report protocol: acquire the vehicle lease,
// compare against the current latest, append, run the anomaly check, release.
// Lock contention and transient store failures are retried up to the
// configured number of acquisition attempts; past that the report is dropped
// with ErrRetriesExhausted and redelivery is the transport's decision.
func (s *Service) Ingest(ctx context.Context, rep *PositionReport) (Outcome, error) {
	start := time.Now()
	defer observability.ObserveIngestLatency(start)

	if err := rep.Validate(); err != nil {
		observability.IngestFailed.Inc()
		return 0, err
	}
	if rep.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return 0, fmt.Errorf("generate report id: %w", err)
		}
		rep.ID = id.String()
	}
	rep.Estimated = false

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.retryInterval):
			}
		}

		held, err := s.locks.Acquire(ctx, rep.VehicleCode)
		if err != nil {
			observability.StoreErrors.Inc()
			lastErr = err
			continue
		}
		if !held {
			observability.LockContention.Inc()
			lastErr = ErrLockContention
			continue
		}

		out, err := s.withLease(ctx, rep)
		if err != nil {
			if errors.Is(err, ErrTransientStore) {
				observability.StoreErrors.Inc()
				lastErr = err
				continue
			}
			observability.IngestFailed.Inc()
			return 0, err
		}
		// Fan-out happens after the lease is released: a slow subscriber
		// must never extend how long a vehicle's write path is held.
		if out == OutcomeAccepted && s.OnAccepted != nil {
			s.OnAccepted(rep)
		}
		return out, nil
	}

	observability.IngestFailed.Inc()
	return 0, fmt.Errorf("%w: vehicle %s after %d attempts: %v",
		ErrRetriesExhausted, rep.VehicleCode, s.retries, lastErr)
}

// withLease is the LockAcquired → Released section of the protocol. The
// deferred release runs on every exit path, cancellation included, so a lease
// never outlives its writer by more than the release round-trip.
func (s *Service) withLease(ctx context.Context, rep *PositionReport) (Outcome, error) {
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := s.locks.Release(rctx, rep.VehicleCode); rerr != nil {
			// The lease TTL bounds the damage; log and move on.
			s.logger.Error("lease release failed", "vehicle", rep.VehicleCode, "err", rerr)
		}
	}()

	prev, err := s.store.GetLatest(ctx, rep.VehicleCode)
	if err != nil {
		return 0, fmt.Errorf("read latest: %w", err)
	}

	// A previous attempt by this writer (or a transport redelivery) may have
	// already persisted this exact report as the latest. Re-running the
	// accepted path lets the adapter finish a half-done swap; comparing the
	// report against itself would demote it instead.
	replay := prev != nil && prev.ID == rep.ID

	if !replay && !rep.Supersedes(prev) {
		return s.appendStale(ctx, rep, prev)
	}

	rep.IsLatest = true
	if err := s.store.Append(ctx, rep, true); err != nil {
		if errors.Is(err, ErrLatestConflict) {
			// The adapter saw a newer latest than our read. Cannot happen
			// while we hold the lease, but the adapter re-checks anyway;
			// fall back to the stale path.
			return s.appendStale(ctx, rep, prev)
		}
		return 0, fmt.Errorf("append latest: %w", err)
	}

	observability.IngestAccepted.Inc()
	if prev != nil && !replay {
		s.detector.Check(prev, rep)
	}
	return OutcomeAccepted, nil
}

func (s *Service) appendStale(ctx context.Context, rep, prev *PositionReport) (Outcome, error) {
	rep.IsLatest = false
	if err := s.store.Append(ctx, rep, false); err != nil {
		return 0, fmt.Errorf("append stale: %w", err)
	}
	observability.IngestStale.Inc()
	latestAt := time.Time{}
	if prev != nil {
		latestAt = prev.AcquiredAt
	}
	s.logger.Info("stale report appended to trail",
		"vehicle", rep.VehicleCode, "acquired_at", rep.AcquiredAt,
		"latest_at", latestAt)
	return OutcomeStale, nil
}

// GetLatest returns the vehicle's latest true position, or nil when the
// vehicle has never reported.
func (s *Service) GetLatest(ctx context.Context, vehicleCode string) (*PositionReport, error) {
	return s.store.GetLatest(ctx, vehicleCode)
}

// GetCurrentEstimate returns the latest position passed through the
// interpolation estimator: the true latest while it is fresh enough, a
// synthetic hold-position report stamped asOf once it is not.
func (s *Service) GetCurrentEstimate(ctx context.Context, vehicleCode string, asOf time.Time) (*PositionReport, error) {
	latest, err := s.store.GetLatest(ctx, vehicleCode)
	if err != nil {
		return nil, err
	}
	return s.estimator.Estimate(latest, asOf), nil
}

// GetTrail returns every stored report for the vehicle in [from, to],
// stale ones included, ordered by acquisition instant ascending.
func (s *Service) GetTrail(ctx context.Context, vehicleCode string, from, to time.Time) ([]PositionReport, error) {
	return s.store.Trail(ctx, vehicleCode, from, to, true)
}

// Near returns the vehicles whose latest position lies within radiusM meters
// of the query point.
func (s *Service) Near(ctx context.Context, lat, lon, radiusM float64) ([]NearbyVehicle, error) {
	return s.store.Nearest(ctx, lat, lon, radiusM)
}
