package workflows

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// activityMetrics counts activity executions, run outcomes and email
// deliveries. Instruments come from the global meter provider, so a process
// without one configured gets no-op instruments.
type activityMetrics struct {
	activities metric.Int64Counter
	runs       metric.Int64Counter
	emails     metric.Int64Counter
}

func newActivityMetrics() *activityMetrics {
	meter := otel.Meter("github.com/finsightlabs/researchd/internal/workflows")

	activities, _ := meter.Int64Counter("research_activity_executions_total",
		metric.WithDescription("Activity executions by activity and outcome"))
	runs, _ := meter.Int64Counter("research_runs_total",
		metric.WithDescription("Completed research runs by terminal status"))
	emails, _ := meter.Int64Counter("research_emails_total",
		metric.WithDescription("Report email deliveries by outcome"))

	return &activityMetrics{activities: activities, runs: runs, emails: emails}
}

func (m *activityMetrics) recordActivity(ctx context.Context, name, outcome string) {
	m.activities.Add(ctx, 1, metric.WithAttributes(
		attribute.String("activity", name),
		attribute.String("outcome", outcome)))
}

func (m *activityMetrics) recordRun(ctx context.Context, status string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *activityMetrics) recordEmail(ctx context.Context, outcome string) {
	m.emails.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
