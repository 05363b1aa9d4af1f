package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/util"
)

// createProfileRequest is the body of POST /profiles.
type createProfileRequest struct {
	OwnerID      string `json:"owner_id"`
	DisplayName  string `json:"display_name"`
	PhoneNumber  string `json:"phone_number"`
	Relationship string `json:"relationship,omitempty"`
}

func (s *Server) createProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.createProfileHandler", err)
		return
	}

	now := s.clock.Now()
	profile := models.Profile{
		ID:           util.NewProfileID(),
		OwnerID:      req.OwnerID,
		DisplayName:  req.DisplayName,
		PhoneNumber:  req.PhoneNumber,
		Relationship: req.Relationship,
		Status:       models.ProfileStatusPending,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := profile.Validate(); err != nil {
		writeError(w, "Server.createProfileHandler", badRequest(err))
		return
	}
	number, err := s.svc.Normalizer().Normalize(req.PhoneNumber)
	if err != nil {
		writeError(w, "Server.createProfileHandler", err)
		return
	}
	profile.PhoneNumber = number.String()

	if err := s.st.SaveProfile(profile); err != nil {
		writeError(w, "Server.createProfileHandler", fmt.Errorf("save profile: %w", err))
		return
	}
	slog.Info("Server.createProfileHandler: profile created", "profileID", profile.ID, "ownerID", profile.OwnerID)
	writeJSONResponse(w, http.StatusCreated, models.Success(profile))
}

func (s *Server) listProfilesHandler(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.st.ListProfiles(r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, "Server.listProfilesHandler", err)
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profiles))
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profileFromPath(r)
	if err != nil {
		writeError(w, "Server.getProfileHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

// deleteProfileHandler cancels in-flight expectations, unschedules the profile's
// tasks and then cascades the delete in the store.
func (s *Server) deleteProfileHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profileFromPath(r)
	if err != nil {
		writeError(w, "Server.deleteProfileHandler", err)
		return
	}
	tasks, err := s.st.ListTasks(profile.ID)
	if err != nil {
		writeError(w, "Server.deleteProfileHandler", err)
		return
	}
	if s.planner != nil {
		for _, task := range tasks {
			s.planner.Unregister(task.ID)
		}
	}
	canceled := s.svc.CancelProfile(r.Context(), profile.ID)
	if err := s.st.DeleteProfile(profile.ID); err != nil {
		writeError(w, "Server.deleteProfileHandler", fmt.Errorf("delete profile: %w", err))
		return
	}
	slog.Info("Server.deleteProfileHandler: profile deleted", "profileID", profile.ID, "tasks", len(tasks), "canceled", canceled)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Profile deleted", map[string]int{"canceled_expectations": canceled}))
}

// requestConfirmationHandler sends (or restarts) the SMS consent confirmation.
func (s *Server) requestConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	exp, err := s.svc.RequestProfileConfirmation(r.Context(), profileID)
	if err != nil {
		writeError(w, "Server.requestConfirmationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Confirmation requested", exp))
}

func (s *Server) listResponsesHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profileFromPath(r)
	if err != nil {
		writeError(w, "Server.listResponsesHandler", err)
		return
	}
	responses, err := s.st.ListResponses(profile.ID)
	if err != nil {
		writeError(w, "Server.listResponsesHandler", err)
		return
	}
	if responses == nil {
		responses = []models.SMSResponse{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

func (s *Server) profileFromPath(r *http.Request) (*models.Profile, error) {
	id := chi.URLParam(r, "profileID")
	profile, err := s.st.GetProfile(id)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", id, err)
	}
	if profile == nil {
		return nil, fmt.Errorf("profile %s: %w", id, errNotFound)
	}
	return profile, nil
}
