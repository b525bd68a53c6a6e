package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/finsightlabs/researchd/internal/email"
	"github.com/finsightlabs/researchd/internal/faults"
	"github.com/finsightlabs/researchd/internal/models"
	"github.com/finsightlabs/researchd/internal/search"
	"github.com/finsightlabs/researchd/internal/store"
)

// fakeRunStore implements just enough of store.Store for activity tests.
// Unused methods panic via the embedded nil interface.
type fakeRunStore struct {
	store.Store

	emailSlots map[string]bool
	reports    map[string]*models.Report
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		emailSlots: map[string]bool{},
		reports:    map[string]*models.Report{},
	}
}

func (f *fakeRunStore) AcquireEmailSlot(_ context.Context, runID string) (bool, error) {
	if f.emailSlots[runID] {
		return false, nil
	}
	f.emailSlots[runID] = true
	return true, nil
}

func (f *fakeRunStore) SaveReport(_ context.Context, r *models.Report) error {
	f.reports[r.ID] = r
	return nil
}

type fakeBlobStore struct {
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) PutText(_ context.Context, key, body, _ string) error {
	f.objects[key] = []byte(body)
	return nil
}

func (f *fakeBlobStore) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) PresignGet(_ context.Context, key string) (string, error) {
	return "https://blob.test/" + key + "?sig=test", nil
}

type fakeEmailSender struct {
	calls  int
	result *email.Result
}

func (f *fakeEmailSender) Send(_ context.Context, _ []string, _ string, _ []email.ArtifactLink, _ *email.Attachment) *email.Result {
	f.calls++
	return f.result
}

type fakeFetcher struct {
	bundle *search.Bundle
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, query string) (*search.Bundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := *f.bundle
	b.Query = query
	return &b, nil
}

func testKey(ownerID, scheduleID, runID, ext string) string {
	return ownerID + "/" + scheduleID + "/" + runID + "/report." + ext
}

func TestSendEmailAtMostOnce(t *testing.T) {
	st := newFakeRunStore()
	sender := &fakeEmailSender{result: &email.Result{Sent: true}}
	a := NewActivities(st, nil, nil, nil, sender, testKey)

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a.SendEmail)

	input := SendEmailInput{
		RunID:      "run-1",
		Recipients: []string{"user@example.com"},
		Title:      "Weekly",
		Links:      map[string]string{"md": "https://blob.test/report.md"},
	}

	val, err := env.ExecuteActivity(a.SendEmail, input)
	require.NoError(t, err)
	var first DeliveryResult
	require.NoError(t, val.Get(&first))
	assert.True(t, first.Sent)
	assert.Equal(t, 1, sender.calls)

	// A replayed send must not touch the provider again, and it cannot know
	// whether the first attempt reached the provider, so it must not claim
	// delivery either.
	val, err = env.ExecuteActivity(a.SendEmail, input)
	require.NoError(t, err)
	var second DeliveryResult
	require.NoError(t, val.Get(&second))
	assert.False(t, second.Sent)
	assert.True(t, second.Skipped)
	assert.Contains(t, second.Error, "already attempted")
	assert.Equal(t, 1, sender.calls)
}

func TestSendEmailProviderFailureIsData(t *testing.T) {
	st := newFakeRunStore()
	sender := &fakeEmailSender{result: &email.Result{Sent: false, Error: "sendgrid status 500"}}
	a := NewActivities(st, nil, nil, nil, sender, testKey)

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a.SendEmail)

	val, err := env.ExecuteActivity(a.SendEmail, SendEmailInput{
		RunID:      "run-1",
		Recipients: []string{"user@example.com"},
		Title:      "Weekly",
	})
	require.NoError(t, err)

	var res DeliveryResult
	require.NoError(t, val.Get(&res))
	assert.False(t, res.Sent)
	assert.Equal(t, "sendgrid status 500", res.Error)
}

func TestSaveReportIsIdempotent(t *testing.T) {
	st := newFakeRunStore()
	blobs := newFakeBlobStore()
	a := NewActivities(st, nil, nil, blobs, nil, testKey)

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a.SaveReport)

	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	input := SaveReportInput{
		RunID:      "run-1",
		ScheduleID: "sched-1",
		OwnerID:    "user-1",
		Symbols:    []string{"AAPL"},
		Draft: ReportDraft{
			Title:           "AAPL Weekly",
			SummaryMarkdown: "# Summary\n\nSteady week.",
			Citations:       []CitationRef{{Title: "a", URL: "https://example.com/a"}},
		},
		StartedAt: started,
	}

	val, err := env.ExecuteActivity(a.SaveReport, input)
	require.NoError(t, err)
	var first SavedReport
	require.NoError(t, val.Get(&first))

	val, err = env.ExecuteActivity(a.SaveReport, input)
	require.NoError(t, err)
	var second SavedReport
	require.NoError(t, val.Get(&second))

	assert.Equal(t, first.ReportID, second.ReportID)
	assert.Equal(t, models.ReportIDForRun("run-1"), first.ReportID)
	assert.Len(t, st.reports, 1)
	assert.Equal(t, "user-1/sched-1/run-1/report.md", first.BlobPaths["md"])
	assert.NotEmpty(t, first.PresignedURLs["md"])
	assert.True(t, st.reports[first.ReportID].CreatedAt.Equal(started),
		"report timestamp follows the run start, not the replay time")
}

func TestSaveReportAdHocRunsUseAdhocKey(t *testing.T) {
	st := newFakeRunStore()
	blobs := newFakeBlobStore()
	a := NewActivities(st, nil, nil, blobs, nil, testKey)

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a.SaveReport)

	val, err := env.ExecuteActivity(a.SaveReport, SaveReportInput{
		RunID:   "run-2",
		OwnerID: "user-1",
		Draft:   ReportDraft{Title: "Ad hoc", SummaryMarkdown: "body"},
	})
	require.NoError(t, err)

	var saved SavedReport
	require.NoError(t, val.Get(&saved))
	assert.Equal(t, "user-1/adhoc/run-2/report.md", saved.BlobPaths["md"])
}

func TestFetchContextPermanentFaultIsNonRetryable(t *testing.T) {
	fetcher := &fakeFetcher{err: faults.Permanentf("empty query")}
	a := NewActivities(nil, fetcher, nil, nil, nil, testKey)

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a.FetchContext)

	_, err := env.ExecuteActivity(a.FetchContext, FetchContextInput{Query: ""})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, permanentErrorType, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestFetchContextTransientFaultStaysRetryable(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("status 503")}
	a := NewActivities(nil, fetcher, nil, nil, nil, testKey)

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a.FetchContext)

	_, err := env.ExecuteActivity(a.FetchContext, FetchContextInput{Query: "AAPL"})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		assert.False(t, appErr.NonRetryable())
	}
}
