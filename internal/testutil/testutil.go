// Package testutil provides common test utilities and helpers for CareNudge tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/store"
)

// Fixture numbers in canonical E.164 form.
const (
	RosePhone = "+15551234567"
	EdPhone   = "+15557654321"
)

// Epoch is a fixed start time for fake clocks.
var Epoch = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

// SeedProfile saves a profile with the given id, phone and status and returns it.
func SeedProfile(t *testing.T, st store.Store, id, phoneNumber string, status models.ProfileStatus) models.Profile {
	t.Helper()
	p := models.Profile{
		ID:           id,
		OwnerID:      "owner-1",
		DisplayName:  "Profile " + id,
		PhoneNumber:  phoneNumber,
		Relationship: "grandmother",
		Status:       status,
		CreatedAt:    Epoch,
		LastActiveAt: Epoch,
	}
	if err := st.SaveProfile(p); err != nil {
		t.Fatalf("failed to seed profile %s: %v", id, err)
	}
	return p
}

// SeedTask saves an active daily task for profileID and returns it.
func SeedTask(t *testing.T, st store.Store, id, profileID string, requiresPhoto bool) models.Task {
	t.Helper()
	task := models.Task{
		ID:            id,
		ProfileID:     profileID,
		Title:         "Task " + id,
		Schedule:      models.Schedule{Frequency: models.FrequencyDaily, Time: "09:00"},
		RequiresPhoto: requiresPhoto,
		Status:        models.TaskStatusActive,
		CreatedAt:     Epoch,
		UpdatedAt:     Epoch,
	}
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("failed to seed task %s: %v", id, err)
	}
	return task
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the response envelope, checks its status and unmarshals
// the result into result when result is non-nil.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var raw struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if raw.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, raw.Status, raw.Message)
	}
	if result != nil && len(raw.Result) > 0 {
		if err := json.Unmarshal(raw.Result, result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return models.APIResponse{Status: raw.Status, Message: raw.Message, Result: result}
}

// CreateHTTPRequest builds a request with body encoded as JSON; nil sends no body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
