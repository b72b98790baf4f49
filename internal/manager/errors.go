package manager

import (
	"context"
	"errors"
	"net/http"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/launcher"
)

// deployFailure wraps the cause of a failed deployment so the HTTP layer can
// answer 500 while keeping the job id the client needs to poll progress.
func deployFailure(jobID string, cause error) error {
	e := &apierr.Error{
		Kind:   apierr.KindOf(cause),
		Msg:    "deployment failed",
		JobID:  jobID,
		Status: http.StatusInternalServerError,
		Err:    cause,
	}
	var ae *launcher.APIError
	if errors.As(cause, &ae) && ae.JobID != "" {
		e.JobID = ae.JobID
	}
	// validation and security rejections keep their own status
	switch e.Kind {
	case apierr.KindValidation, apierr.KindSecurityViolation, apierr.KindNotFound:
		e.Status = 0
	}
	return e
}

// IsDeployFailure reports whether err is a failed deployment carrying a job id.
func IsDeployFailure(err error) bool {
	var e *apierr.Error
	return errors.As(err, &e) && e.Msg == "deployment failed"
}

// permanent reports whether a failed launch should not be retried.
func permanent(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindValidation, apierr.KindSecurityViolation, apierr.KindNotFound:
		return true
	}
	return errors.Is(err, context.Canceled)
}
