package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CareNudge/internal/confirmation"
	"github.com/BTreeMap/CareNudge/internal/expectation"
	"github.com/BTreeMap/CareNudge/internal/flow"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
	"github.com/BTreeMap/CareNudge/internal/scheduler"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps err to a status code and writes the error envelope.
func writeError(w http.ResponseWriter, component string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(component+": request failed", "error", err, "status", status)
	} else {
		slog.Warn(component+": request rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, confirmation.ErrProfileNotFound),
		errors.Is(err, confirmation.ErrTaskNotFound),
		errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, confirmation.ErrTaskNotActive),
		errors.Is(err, confirmation.ErrRemindersSuppressed),
		errors.Is(err, confirmation.ErrProfileNotConfirmed),
		errors.Is(err, expectation.ErrConflictingOpenExpectation):
		return http.StatusConflict
	case errors.Is(err, flow.ErrNoEvidence),
		errors.Is(err, flow.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, phone.ErrInvalidNumberFormat),
		errors.Is(err, expectation.ErrInvalidRequest),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, confirmation.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	errNotFound   = errors.New("not found")
	errBadRequest = errors.New("bad request")
)

// badRequest wraps a validation failure so statusFor maps it to 400.
func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

// decodeJSON decodes a size-limited JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON: %w", errBadRequest, err)
	}
	return nil
}
