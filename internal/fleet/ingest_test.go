package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	trail  map[string][]*PositionReport
	latest map[string]*PositionReport

	appendErr            error   // injected, returned by every Append while set
	appendErrsAfterWrite []error // consumed one per Append, returned after the write landed
	getLatestErr         error
}

func newMemStore() *memStore {
	return &memStore{
		trail:  make(map[string][]*PositionReport),
		latest: make(map[string]*PositionReport),
	}
}

func (m *memStore) GetLatest(_ context.Context, code string) (*PositionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLatestErr != nil {
		return nil, m.getLatestErr
	}
	if rep, ok := m.latest[code]; ok {
		cp := *rep
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) Append(_ context.Context, rep *PositionReport, demoteCurrentLatest bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	stored := *rep
	if demoteCurrentLatest {
		if cur, ok := m.latest[rep.VehicleCode]; ok && cur.ID != rep.ID {
			cur.IsLatest = false
		}
		m.latest[rep.VehicleCode] = &stored
	}
	// Same id means same document, as in the real adapter.
	replaced := false
	for i, old := range m.trail[rep.VehicleCode] {
		if old.ID == stored.ID {
			m.trail[rep.VehicleCode][i] = &stored
			replaced = true
			break
		}
	}
	if !replaced {
		m.trail[rep.VehicleCode] = append(m.trail[rep.VehicleCode], &stored)
	}
	if len(m.appendErrsAfterWrite) > 0 {
		err := m.appendErrsAfterWrite[0]
		m.appendErrsAfterWrite = m.appendErrsAfterWrite[1:]
		return err
	}
	return nil
}

func (m *memStore) Trail(_ context.Context, code string, from, to time.Time, _ bool) ([]PositionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PositionReport
	for _, rep := range m.trail[code] {
		if !from.IsZero() && rep.AcquiredAt.Before(from) {
			continue
		}
		if !to.IsZero() && rep.AcquiredAt.After(to) {
			continue
		}
		out = append(out, *rep)
	}
	return out, nil
}

func (m *memStore) Nearest(context.Context, float64, float64, float64) ([]NearbyVehicle, error) {
	return nil, nil
}

type memLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
	releases int

	contended   bool    // every Acquire reports the lease as held elsewhere
	acquireErrs []error // consumed one per Acquire before normal behavior
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Acquire(_ context.Context, code string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if len(l.acquireErrs) > 0 {
		err := l.acquireErrs[0]
		l.acquireErrs = l.acquireErrs[1:]
		return false, err
	}
	if l.contended || l.held[code] {
		return false, nil
	}
	l.held[code] = true
	return true, nil
}

func (l *memLocker) Release(_ context.Context, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	delete(l.held, code)
	return nil
}

func (l *memLocker) heldNow(code string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[code]
}

func newTestService(store PositionStore, locks LeaseLocker, retries int) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, locks,
		NewAnomalyDetector(false, 200, logger),
		NewEstimator(false, 500),
		retries, time.Millisecond, logger)
}

func TestIngestFirstReportBecomesLatest(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rep := report("AMB-1", base, 45.0, 9.0)

	out, err := svc.Ingest(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)
	assert.NotEmpty(t, rep.ID)

	latest, err := svc.GetLatest(context.Background(), "AMB-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.IsLatest)
	assert.Equal(t, rep.ID, latest.ID)
	assert.False(t, lk.heldNow("AMB-1"))
}

func TestIngestOlderReportIsStale(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := report("AMB-1", base.Add(10*time.Second), 45.0, 9.0)
	b := report("AMB-1", base.Add(5*time.Second), 45.1, 9.1)

	out, err := svc.Ingest(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)

	out, err = svc.Ingest(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)

	latest, err := svc.GetLatest(context.Background(), "AMB-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, latest.ID)

	// Both reports are on the trail regardless of staleness.
	trail, err := svc.GetTrail(context.Background(), "AMB-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestIngestEqualInstantFavorsExistingLatest(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := report("AMB-1", at, 45.0, 9.0)
	b := report("AMB-1", at, 45.1, 9.1)

	_, err := svc.Ingest(context.Background(), a)
	require.NoError(t, err)
	out, err := svc.Ingest(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)

	latest, _ := svc.GetLatest(context.Background(), "AMB-1")
	assert.Equal(t, a.ID, latest.ID)
}

func TestIngestSequenceLeavesSingleLatest(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Out-of-order arrivals; logical time must win.
	for _, offset := range []int{3, 1, 7, 5, 7, 2} {
		rep := report("AMB-1", base.Add(time.Duration(offset)*time.Second), 45.0, 9.0)
		_, err := svc.Ingest(context.Background(), rep)
		require.NoError(t, err)
	}

	trail, err := svc.GetTrail(context.Background(), "AMB-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trail, 6)

	var latestCount int
	var latestAt time.Time
	for _, rep := range trail {
		if rep.IsLatest {
			latestCount++
			latestAt = rep.AcquiredAt
		}
	}
	assert.Equal(t, 1, latestCount)
	assert.Equal(t, base.Add(7*time.Second), latestAt)
}

func TestIngestRetriesExhaustedOnContention(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	lk.contended = true
	svc := newTestService(st, lk, 3)

	rep := report("AMB-1", time.Now(), 45.0, 9.0)
	_, err := svc.Ingest(context.Background(), rep)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, lk.acquires)

	// Nothing was written.
	trail, _ := svc.GetTrail(context.Background(), "AMB-1", time.Time{}, time.Time{})
	assert.Empty(t, trail)
}

func TestIngestRetriesThroughTransientAcquireErrors(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	lk.acquireErrs = []error{
		fmt.Errorf("%w: acquire: connection refused", ErrTransientStore),
		fmt.Errorf("%w: acquire: connection refused", ErrTransientStore),
	}
	svc := newTestService(st, lk, 3)

	rep := report("AMB-1", time.Now(), 45.0, 9.0)
	out, err := svc.Ingest(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)
	assert.Equal(t, 3, lk.acquires)
}

func TestIngestReleasesLeaseOnAppendFailure(t *testing.T) {
	st := newMemStore()
	st.appendErr = errors.New("disk on fire")
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	rep := report("AMB-1", time.Now(), 45.0, 9.0)
	_, err := svc.Ingest(context.Background(), rep)
	require.Error(t, err)
	assert.False(t, lk.heldNow("AMB-1"))
	assert.Equal(t, 1, lk.releases)
}

func TestIngestCancelledBeforeAcquireCompletes(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	lk.contended = true
	svc := newTestService(st, lk, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := report("AMB-1", time.Now(), 45.0, 9.0)
	_, err := svc.Ingest(ctx, rep)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngestRejectsMalformedReports(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	for name, rep := range map[string]*PositionReport{
		"empty code":   report("", time.Now(), 45.0, 9.0),
		"zero instant": report("AMB-1", time.Time{}, 45.0, 9.0),
		"null island":  report("AMB-1", time.Now(), 0, 0),
		"bad lat":      report("AMB-1", time.Now(), 95.0, 9.0),
	} {
		_, err := svc.Ingest(context.Background(), rep)
		assert.Error(t, err, name)
	}
	// No locks were ever taken for invalid input.
	assert.Zero(t, lk.acquires)
}

func TestIngestAcceptedHookFiresOnlyForLatest(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	var mu sync.Mutex
	var published []string
	svc.OnAccepted = func(rep *PositionReport) {
		mu.Lock()
		published = append(published, rep.ID)
		mu.Unlock()
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := report("AMB-1", base.Add(10*time.Second), 45.0, 9.0)
	b := report("AMB-1", base.Add(5*time.Second), 45.1, 9.1)

	_, err := svc.Ingest(context.Background(), a)
	require.NoError(t, err)
	_, err = svc.Ingest(context.Background(), b)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{a.ID}, published)
}

func TestIngestReplayAfterPartialAppendRepairsLatest(t *testing.T) {
	st := newMemStore()
	// The write lands but the store reports a transient failure, as when the
	// connection drops after the latest index was already updated.
	st.appendErrsAfterWrite = []error{fmt.Errorf("%w: write: connection reset", ErrTransientStore)}
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rep := report("AMB-1", base, 45.0, 9.0)
	out, err := svc.Ingest(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)
	assert.Equal(t, 2, lk.acquires)

	// The retry re-ran the accepted path against its own half-written state:
	// still exactly one latest-flagged report, and the index agrees with it.
	latest, err := svc.GetLatest(context.Background(), "AMB-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, rep.ID, latest.ID)
	assert.True(t, latest.IsLatest)

	trail, err := svc.GetTrail(context.Background(), "AMB-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.True(t, trail[0].IsLatest)
}

func TestIngestRedeliveredReportIsIdempotent(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rep := report("AMB-1", base, 45.0, 9.0)
	out, err := svc.Ingest(context.Background(), rep)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)

	// Transport redelivery: same report, id already assigned.
	redelivered := *rep
	out, err = svc.Ingest(context.Background(), &redelivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)

	latest, err := svc.GetLatest(context.Background(), "AMB-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, rep.ID, latest.ID)
	assert.True(t, latest.IsLatest)

	trail, err := svc.GetTrail(context.Background(), "AMB-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.True(t, trail[0].IsLatest)
}

func TestAppendStaleWithoutCurrentLatest(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	rep := report("AMB-1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), 45.0, 9.0)
	rep.ID = "r1"
	out, err := svc.appendStale(context.Background(), rep, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)

	trail, err := svc.GetTrail(context.Background(), "AMB-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.False(t, trail[0].IsLatest)
}

func TestAcceptedHookRunsAfterLeaseRelease(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	heldDuringHook := true
	svc.OnAccepted = func(rep *PositionReport) {
		heldDuringHook = lk.heldNow(rep.VehicleCode)
	}

	rep := report("AMB-1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), 45.0, 9.0)
	out, err := svc.Ingest(context.Background(), rep)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out)
	assert.False(t, heldDuringHook)
}

func TestIngestDifferentVehiclesInParallel(t *testing.T) {
	st := newMemStore()
	lk := newMemLocker()
	svc := newTestService(st, lk, 3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("AMB-%d", i)
			for j := 0; j < 10; j++ {
				rep := report(code, base.Add(time.Duration(j)*time.Second), 45.0, 9.0)
				_, err := svc.Ingest(context.Background(), rep)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		code := fmt.Sprintf("AMB-%d", i)
		latest, err := svc.GetLatest(context.Background(), code)
		require.NoError(t, err)
		require.NotNil(t, latest, code)
		assert.Equal(t, base.Add(9*time.Second), latest.AcquiredAt)
	}
}
