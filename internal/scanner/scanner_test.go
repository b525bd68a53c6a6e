package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/logging"
	"github.com/finsightlabs/researchd/internal/models"
	"github.com/finsightlabs/researchd/internal/recurrence"
	"github.com/finsightlabs/researchd/internal/store"
	"github.com/finsightlabs/researchd/internal/workflows"
)

type fakeStore struct {
	store.Store

	mu        sync.Mutex
	schedules map[string]*models.Schedule
	runs      map[string]*models.Run
	reports   map[string]*models.Report
	loseClaim bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schedules: map[string]*models.Schedule{},
		runs:      map[string]*models.Run{},
		reports:   map[string]*models.Report{},
	}
}

func (f *fakeStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []models.Schedule
	for _, s := range f.schedules {
		if !s.Active || s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		due = append(due, *s)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeStore) ClaimDueSchedule(_ context.Context, id string, version int64, nextRunAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loseClaim {
		return false, nil
	}
	s, ok := f.schedules[id]
	if !ok || !s.Active || s.Version != version {
		return false, nil
	}
	next := nextRunAt
	s.NextRunAt = &next
	s.Version++
	return true, nil
}

func (f *fakeStore) CreateRun(_ context.Context, r *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}

func (f *fakeStore) FailRun(_ context.Context, runID, summary string, durationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = models.RunStatusFailed
	r.Error = summary
	r.DurationMs = durationMs
	return nil
}

func (f *fakeStore) ListReportsOlderThan(_ context.Context, cutoff time.Time, limit int) ([]models.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var old []models.Report
	for _, r := range f.reports {
		if r.CreatedAt.Before(cutoff) {
			old = append(old, *r)
		}
		if len(old) == limit {
			break
		}
	}
	return old, nil
}

func (f *fakeStore) DeleteReport(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reports, id)
	return nil
}

type fakeStarter struct {
	mu   sync.Mutex
	reqs []workflows.ResearchRequest
	err  error
}

func (f *fakeStarter) StartResearch(_ context.Context, req workflows.ResearchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] {
		return errors.New("blob unavailable")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func testScanner(t *testing.T, st store.Store, starter workflows.Starter, blobs BlobDeleter, now time.Time) *Scanner {
	t.Helper()
	logger, err := logging.NewLogger(logging.NewDefaultConfig())
	require.NoError(t, err)

	s := New(config.ScannerConfig{
		TickSpec:    "@every 1m",
		BatchLimit:  50,
		Concurrency: 2,
		Retention:   config.Duration(90 * 24 * time.Hour),
		CleanupSpec: "@daily",
	}, st, starter, blobs, logger)
	s.now = func() time.Time { return now }
	return s
}

func dailySchedule(id string, version int64, nextRunAt time.Time, active bool) *models.Schedule {
	return &models.Schedule{
		ID:      id,
		OwnerID: "user-1",
		Title:   "Daily outlook",
		Symbols: []string{"AAPL"},
		Recurrence: recurrence.Rule{
			Cadence:  recurrence.Daily,
			Interval: 1,
			Hour:     9,
			Minute:   0,
		},
		Email:     models.EmailSettings{To: []string{"user@example.com"}},
		Active:    active,
		NextRunAt: &nextRunAt,
		Version:   version,
	}
}

func TestScanOnceStartsDueSchedules(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 30, 0, time.UTC)
	st := newFakeStore()
	st.schedules["due-1"] = dailySchedule("due-1", 3, now.Add(-30*time.Second), true)
	st.schedules["due-2"] = dailySchedule("due-2", 1, now.Add(-time.Minute), true)
	st.schedules["future"] = dailySchedule("future", 1, now.Add(time.Hour), true)

	starter := &fakeStarter{}
	s := testScanner(t, st, starter, nil, now)

	require.NoError(t, s.ScanOnce(context.Background()))

	assert.Len(t, starter.reqs, 2)
	assert.Len(t, st.runs, 2)
	for _, run := range st.runs {
		assert.Equal(t, models.RunStatusPending, run.Status)
		assert.Equal(t, "user-1", run.OwnerID)
	}
	for _, req := range starter.reqs {
		assert.Equal(t, []string{"user@example.com"}, req.EmailTo)
		assert.Equal(t, []string{"AAPL"}, req.Symbols)
	}

	// Both claimed slots advance to the next daily 09:00 boundary.
	next := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, next, st.schedules["due-1"].NextRunAt.UTC())
	assert.Equal(t, next, st.schedules["due-2"].NextRunAt.UTC())
	assert.Equal(t, int64(4), st.schedules["due-1"].Version)

	// Untouched future schedule keeps its slot and version.
	assert.Equal(t, int64(1), st.schedules["future"].Version)
}

func TestScanOnceSkipsInactiveSchedules(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 30, 0, time.UTC)
	st := newFakeStore()
	st.schedules["paused"] = dailySchedule("paused", 1, now.Add(-time.Minute), false)

	starter := &fakeStarter{}
	s := testScanner(t, st, starter, nil, now)

	require.NoError(t, s.ScanOnce(context.Background()))
	assert.Empty(t, starter.reqs)
	assert.Empty(t, st.runs)
}

func TestScanOnceLostClaimStartsNothing(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 30, 0, time.UTC)
	st := newFakeStore()
	st.schedules["due"] = dailySchedule("due", 1, now.Add(-time.Minute), true)
	st.loseClaim = true

	starter := &fakeStarter{}
	s := testScanner(t, st, starter, nil, now)

	require.NoError(t, s.ScanOnce(context.Background()))
	assert.Empty(t, starter.reqs)
	assert.Empty(t, st.runs)
}

func TestScanOnceStartFailureMarksRunFailed(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 30, 0, time.UTC)
	st := newFakeStore()
	st.schedules["due"] = dailySchedule("due", 1, now.Add(-time.Minute), true)

	starter := &fakeStarter{err: errors.New("temporal unavailable")}
	s := testScanner(t, st, starter, nil, now)

	require.NoError(t, s.ScanOnce(context.Background()))

	require.Len(t, st.runs, 1)
	for _, run := range st.runs {
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Contains(t, run.Error, "start: transient:")
	}
	// The slot is spent even though the start failed.
	assert.Equal(t, int64(2), st.schedules["due"].Version)
}

func TestCleanupOnceDeletesExpiredReports(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.reports["old"] = &models.Report{
		ID:        "old",
		OwnerID:   "user-1",
		BlobPaths: map[string]string{"md": "user-1/s/r/report.md"},
		CreatedAt: now.AddDate(0, 0, -120),
	}
	st.reports["fresh"] = &models.Report{
		ID:        "fresh",
		OwnerID:   "user-1",
		BlobPaths: map[string]string{"md": "user-1/s/r2/report.md"},
		CreatedAt: now.AddDate(0, 0, -5),
	}

	blobs := &fakeBlobs{}
	s := testScanner(t, st, &fakeStarter{}, blobs, now)

	require.NoError(t, s.CleanupOnce(context.Background()))

	assert.NotContains(t, st.reports, "old")
	assert.Contains(t, st.reports, "fresh")
	assert.Equal(t, []string{"user-1/s/r/report.md"}, blobs.deleted)
}

func TestCleanupOnceKeepsReportWhenArtifactDeleteFails(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.reports["old"] = &models.Report{
		ID:        "old",
		OwnerID:   "user-1",
		BlobPaths: map[string]string{"md": "user-1/s/r/report.md"},
		CreatedAt: now.AddDate(0, 0, -120),
	}

	blobs := &fakeBlobs{fail: map[string]bool{"user-1/s/r/report.md": true}}
	s := testScanner(t, st, &fakeStarter{}, blobs, now)

	require.NoError(t, s.CleanupOnce(context.Background()))
	assert.Contains(t, st.reports, "old")
}
