package workflows

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/finsightlabs/researchd/internal/search"
)

func testBundle(query string) *FetchContextResult {
	return &FetchContextResult{Bundle: search.Bundle{
		Query: query,
		Documents: []search.Document{
			{Title: "Some article", URL: "https://example.com/a", Text: "text"},
		},
	}}
}

func testDraft() *ReportDraft {
	return &ReportDraft{
		Title:           "AAPL and MSFT Weekly Outlook",
		SummaryMarkdown: "# Summary\n\nBoth names advanced.",
		Citations:       []CitationRef{{Title: "Some article", URL: "https://example.com/a"}},
	}
}

func testSaved() *SavedReport {
	return &SavedReport{
		ReportID:      "report-1",
		BlobPaths:     map[string]string{"md": "u1/s1/r1/report.md"},
		PresignedURLs: map[string]string{"md": "https://blob.example.com/report.md?sig=x"},
	}
}

// TestResearchReportWorkflow tests the run orchestration end to end with
// mocked activities.
func TestResearchReportWorkflow(t *testing.T) {
	req := ResearchRequest{
		RunID:         "run-1",
		ScheduleID:    "sched-1",
		OwnerID:       "user-1",
		ScheduleTitle: "Weekly outlook",
		Prompt:        "Summarize the week",
		Symbols:       []string{"AAPL", "MSFT"},
		EmailTo:       []string{"user@example.com"},
	}

	t.Run("runs every stage in order and completes the run", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ResearchReportWorkflow)

		a := &Activities{}
		env.OnActivity(a.MarkRunRunning, mock.Anything, "run-1").Return(nil).Once()
		env.OnActivity(a.FetchContext, mock.Anything, mock.Anything).Return(testBundle("q"), nil).Times(2)
		env.OnActivity(a.Synthesize, mock.Anything, mock.MatchedBy(func(in SynthesizeInput) bool {
			return len(in.Bundles) == 2
		})).Return(testDraft(), nil).Once()
		env.OnActivity(a.SaveReport, mock.Anything, mock.Anything).Return(testSaved(), nil).Once()
		env.OnActivity(a.SendEmail, mock.Anything, mock.Anything).Return(&DeliveryResult{Sent: true}, nil).Once()
		env.OnActivity(a.CompleteRun, mock.Anything, mock.MatchedBy(func(in CompleteRunInput) bool {
			return in.RunID == "run-1" && in.ReportID == "report-1" && in.Email.Sent
		})).Return(nil).Once()

		env.ExecuteWorkflow(ResearchReportWorkflow, req)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ResearchReportResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "report-1", result.ReportID)
		assert.Equal(t, "AAPL and MSFT Weekly Outlook", result.Title)
		assert.True(t, result.Email.Sent)
		env.AssertExpectations(t)
	})

	t.Run("retries transient fetch failures", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ResearchReportWorkflow)

		single := req
		single.Symbols = []string{"AAPL"}
		single.EmailTo = nil

		a := &Activities{}
		env.OnActivity(a.MarkRunRunning, mock.Anything, "run-1").Return(nil)
		env.OnActivity(a.FetchContext, mock.Anything, mock.Anything).
			Return(nil, errors.New("search: status 503")).Times(2)
		env.OnActivity(a.FetchContext, mock.Anything, mock.Anything).
			Return(testBundle("AAPL"), nil).Once()
		env.OnActivity(a.Synthesize, mock.Anything, mock.Anything).Return(testDraft(), nil)
		env.OnActivity(a.SaveReport, mock.Anything, mock.Anything).Return(testSaved(), nil)
		env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(nil)

		env.ExecuteWorkflow(ResearchReportWorkflow, single)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})

	t.Run("permanent synthesis failure fails the run without retry", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ResearchReportWorkflow)

		a := &Activities{}
		env.OnActivity(a.MarkRunRunning, mock.Anything, "run-1").Return(nil)
		env.OnActivity(a.FetchContext, mock.Anything, mock.Anything).Return(testBundle("q"), nil)
		env.OnActivity(a.Synthesize, mock.Anything, mock.Anything).
			Return(nil, temporal.NewNonRetryableApplicationError(
				"synthesize: no context to synthesize", permanentErrorType, nil)).Once()
		env.OnActivity(a.FailRun, mock.Anything, mock.MatchedBy(func(in FailRunInput) bool {
			return in.RunID == "run-1" &&
				strings.HasPrefix(in.Summary, "synthesize: permanent:")
		})).Return(nil).Once()

		env.ExecuteWorkflow(ResearchReportWorkflow, req)

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})

	t.Run("skips email when the schedule has no recipients", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ResearchReportWorkflow)

		noEmail := req
		noEmail.EmailTo = nil

		a := &Activities{}
		env.OnActivity(a.MarkRunRunning, mock.Anything, "run-1").Return(nil)
		env.OnActivity(a.FetchContext, mock.Anything, mock.Anything).Return(testBundle("q"), nil)
		env.OnActivity(a.Synthesize, mock.Anything, mock.Anything).Return(testDraft(), nil)
		env.OnActivity(a.SaveReport, mock.Anything, mock.Anything).Return(testSaved(), nil)
		env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(nil)

		env.ExecuteWorkflow(ResearchReportWorkflow, noEmail)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ResearchReportResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Email.Skipped)
		assert.False(t, result.Email.Sent)
		env.AssertExpectations(t)
	})

	t.Run("email failure annotates the run but does not fail it", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ResearchReportWorkflow)

		a := &Activities{}
		env.OnActivity(a.MarkRunRunning, mock.Anything, "run-1").Return(nil)
		env.OnActivity(a.FetchContext, mock.Anything, mock.Anything).Return(testBundle("q"), nil)
		env.OnActivity(a.Synthesize, mock.Anything, mock.Anything).Return(testDraft(), nil)
		env.OnActivity(a.SaveReport, mock.Anything, mock.Anything).Return(testSaved(), nil)
		env.OnActivity(a.SendEmail, mock.Anything, mock.Anything).
			Return(&DeliveryResult{Error: "sendgrid status 500"}, nil).Once()
		env.OnActivity(a.CompleteRun, mock.Anything, mock.MatchedBy(func(in CompleteRunInput) bool {
			return !in.Email.Sent && in.Email.Error == "sendgrid status 500"
		})).Return(nil).Once()

		env.ExecuteWorkflow(ResearchReportWorkflow, req)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ResearchReportResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.False(t, result.Email.Sent)
		assert.Equal(t, "sendgrid status 500", result.Email.Error)
		env.AssertExpectations(t)
	})

	t.Run("invalid request fails the run up front", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ResearchReportWorkflow)

		empty := ResearchRequest{RunID: "run-2", OwnerID: "user-1"}

		a := &Activities{}
		env.OnActivity(a.FailRun, mock.Anything, mock.MatchedBy(func(in FailRunInput) bool {
			return in.RunID == "run-2" && strings.HasPrefix(in.Summary, "validate: permanent:")
		})).Return(nil).Once()

		env.ExecuteWorkflow(ResearchReportWorkflow, empty)

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})
}

func TestContextQueries(t *testing.T) {
	withSymbols := ResearchRequest{Symbols: []string{"AAPL", "MSFT"}, Prompt: "weekly outlook"}
	queries := contextQueries(withSymbols)
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "AAPL")
	assert.Contains(t, queries[1], "MSFT")

	promptOnly := ResearchRequest{Prompt: "semiconductor supply chain"}
	assert.Equal(t, []string{"semiconductor supply chain"}, contextQueries(promptOnly))
}

func TestWorkflowIDForRun(t *testing.T) {
	assert.Equal(t, "research-run-abc", WorkflowIDForRun("abc"))
}

func TestRequestValidate(t *testing.T) {
	valid := ResearchRequest{RunID: "r", OwnerID: "o", Symbols: []string{"AAPL"}}
	require.NoError(t, valid.Validate())

	assert.Error(t, ResearchRequest{OwnerID: "o", Symbols: []string{"A"}}.Validate())
	assert.Error(t, ResearchRequest{RunID: "r", Symbols: []string{"A"}}.Validate())
	assert.Error(t, ResearchRequest{RunID: "r", OwnerID: "o", Prompt: "  "}.Validate())
}
