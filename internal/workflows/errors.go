package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/finsightlabs/researchd/internal/faults"
)

// permanentErrorType tags non-retryable application errors so failure
// summaries can name the class without unwrapping Temporal failures.
const permanentErrorType = "PermanentError"

// activityError maps a provider error onto Temporal retry semantics.
// Permanent faults become non-retryable application errors; everything
// else is returned as-is and retried under the activity retry policy.
func activityError(stage string, err error) error {
	if err == nil {
		return nil
	}
	if faults.IsPermanent(err) {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s: %v", stage, err), permanentErrorType, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// failureSummary produces the human-readable string stored on a failed run.
func failureSummary(stage string, err error) string {
	class := "transient"
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == permanentErrorType {
		class = "permanent"
	}
	return fmt.Sprintf("%s: %s: %v", stage, class, err)
}
