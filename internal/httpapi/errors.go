package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ttstudio/internal/common/apierr"
	"ttstudio/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err to a status and carries the diagnosis context of
// apierr errors (valid values, job id, container id).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	body := types.ErrorResponse{Error: err.Error(), Code: status}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		body.Details = ae.Details
		body.JobID = ae.JobID
		body.ContainerID = ae.ContainerID
		if ae.Kind == apierr.KindInternal && ae.Status == 0 && ae.Msg != "" {
			body.Error = ae.Msg
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
