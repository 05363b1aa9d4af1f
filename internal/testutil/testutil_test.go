package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/store"
)

func TestSeedHelpers(t *testing.T) {
	st := store.NewInMemoryStore()
	p := SeedProfile(t, st, "p1", RosePhone, models.ProfileStatusConfirmed)
	SeedTask(t, st, "t1", p.ID, true)

	got, err := st.GetProfile("p1")
	if err != nil || got == nil {
		t.Fatalf("GetProfile: %v, %v", got, err)
	}
	if got.Status != models.ProfileStatusConfirmed || got.PhoneNumber != RosePhone {
		t.Errorf("seeded profile mismatch: %+v", got)
	}
	task, err := st.GetTask("t1")
	if err != nil || task == nil {
		t.Fatalf("GetTask: %v, %v", task, err)
	}
	if !task.RequiresPhoto || task.Status != models.TaskStatusActive {
		t.Errorf("seeded task mismatch: %+v", task)
	}
	if err := task.Validate(); err != nil {
		t.Errorf("seeded task must be valid: %v", err)
	}
	if responses, _ := st.ListResponses("p1"); len(responses) != 0 {
		t.Errorf("fresh store has %d responses", len(responses))
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/profiles", map[string]string{"owner_id": "u1"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type")
	}
	if req.ContentLength == 0 {
		t.Errorf("expected a body")
	}
	empty := CreateHTTPRequest(t, http.MethodGet, "/profiles", nil)
	if empty.ContentLength != 0 {
		t.Errorf("expected empty body, got %d", empty.ContentLength)
	}
}

func TestDecodeAPIResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"id":"p1"}}`)
	var result struct {
		ID string `json:"id"`
	}
	resp := DecodeAPIResponse(t, rr, models.APIStatusOK, &result)
	if result.ID != "p1" || resp.Status != "ok" {
		t.Errorf("decoded %+v / %+v", resp, result)
	}
}
