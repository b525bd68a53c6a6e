package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Starter launches research workflows. The scanner and the HTTP API depend
// on this interface so tests can substitute a fake.
type Starter interface {
	StartResearch(ctx context.Context, req ResearchRequest) error
}

// TemporalStarter starts workflows on a Temporal cluster.
type TemporalStarter struct {
	client    client.Client
	taskQueue string
}

// NewTemporalStarter wraps an existing Temporal client.
func NewTemporalStarter(c client.Client, taskQueue string) *TemporalStarter {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	return &TemporalStarter{client: c, taskQueue: taskQueue}
}

// WorkflowIDForRun derives the workflow id from the run id. Reusing the run
// id makes duplicate start attempts collapse onto the existing execution.
func WorkflowIDForRun(runID string) string {
	return "research-run-" + runID
}

// StartResearch starts the workflow for req. A workflow already running
// under the same run id counts as success: the trigger was delivered once.
func (s *TemporalStarter) StartResearch(ctx context.Context, req ResearchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	opts := client.StartWorkflowOptions{
		ID:        WorkflowIDForRun(req.RunID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, opts, ResearchReportWorkflow, req)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("start research workflow: %w", err)
	}
	return nil
}
