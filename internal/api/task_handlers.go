package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/util"
)

// createTaskRequest is the body of POST /profiles/{id}/tasks.
type createTaskRequest struct {
	Title         string          `json:"title"`
	Schedule      models.Schedule `json:"schedule"`
	RequiresPhoto bool            `json:"requires_photo"`
	RequiresText  bool            `json:"requires_text"`
}

// updateTaskRequest is the body of PUT /tasks/{id}. Omitted fields are unchanged.
type updateTaskRequest struct {
	Title         *string            `json:"title,omitempty"`
	Schedule      *models.Schedule   `json:"schedule,omitempty"`
	RequiresPhoto *bool              `json:"requires_photo,omitempty"`
	RequiresText  *bool              `json:"requires_text,omitempty"`
	Status        *models.TaskStatus `json:"status,omitempty"`
}

// reminderRequest is the optional body of POST /tasks/{id}/reminders.
type reminderRequest struct {
	OccurrenceAt *time.Time `json:"occurrence_at,omitempty"`
}

func (s *Server) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profileFromPath(r)
	if err != nil {
		writeError(w, "Server.createTaskHandler", err)
		return
	}
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.createTaskHandler", err)
		return
	}

	now := s.clock.Now()
	task := models.Task{
		ID:            util.NewTaskID(),
		ProfileID:     profile.ID,
		Title:         req.Title,
		Schedule:      req.Schedule,
		RequiresPhoto: req.RequiresPhoto,
		RequiresText:  req.RequiresText,
		Status:        models.TaskStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := task.Validate(); err != nil {
		writeError(w, "Server.createTaskHandler", badRequest(err))
		return
	}
	if err := s.st.SaveTask(task); err != nil {
		writeError(w, "Server.createTaskHandler", fmt.Errorf("save task: %w", err))
		return
	}
	s.schedule(task)
	slog.Info("Server.createTaskHandler: task created", "taskID", task.ID, "profileID", profile.ID, "cron", task.Schedule.ToCronString())
	writeJSONResponse(w, http.StatusCreated, models.Success(task))
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profileFromPath(r)
	if err != nil {
		writeError(w, "Server.listTasksHandler", err)
		return
	}
	tasks, err := s.st.ListTasks(profile.ID)
	if err != nil {
		writeError(w, "Server.listTasksHandler", err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// updateTaskHandler edits a task. Pausing cancels the open occurrence; resuming
// reschedules it.
func (s *Server) updateTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskFromPath(r)
	if err != nil {
		writeError(w, "Server.updateTaskHandler", err)
		return
	}
	var req updateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.updateTaskHandler", err)
		return
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Schedule != nil {
		task.Schedule = *req.Schedule
	}
	if req.RequiresPhoto != nil {
		task.RequiresPhoto = *req.RequiresPhoto
	}
	if req.RequiresText != nil {
		task.RequiresText = *req.RequiresText
	}
	if req.Status != nil {
		task.Status = *req.Status
	}
	if err := task.Validate(); err != nil {
		writeError(w, "Server.updateTaskHandler", badRequest(err))
		return
	}
	task.UpdatedAt = s.clock.Now()

	if err := s.st.SaveTask(*task); err != nil {
		writeError(w, "Server.updateTaskHandler", fmt.Errorf("save task: %w", err))
		return
	}
	if task.Status != models.TaskStatusActive {
		if err := s.svc.Cancel(r.Context(), models.SubjectTaskResponse, task.ID); err != nil {
			writeError(w, "Server.updateTaskHandler", err)
			return
		}
	}
	s.schedule(*task)
	slog.Info("Server.updateTaskHandler: task updated", "taskID", task.ID, "status", task.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(task))
}

// deleteTaskHandler cancels the open occurrence and marks the task deleted. The row
// is kept so past responses still reference it.
func (s *Server) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskFromPath(r)
	if err != nil {
		writeError(w, "Server.deleteTaskHandler", err)
		return
	}
	if s.planner != nil {
		s.planner.Unregister(task.ID)
	}
	if err := s.svc.Cancel(r.Context(), models.SubjectTaskResponse, task.ID); err != nil {
		writeError(w, "Server.deleteTaskHandler", err)
		return
	}
	task.Status = models.TaskStatusDeleted
	task.UpdatedAt = s.clock.Now()
	if err := s.st.SaveTask(*task); err != nil {
		writeError(w, "Server.deleteTaskHandler", fmt.Errorf("save task: %w", err))
		return
	}
	slog.Info("Server.deleteTaskHandler: task deleted", "taskID", task.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Task deleted", task))
}

// requestReminderHandler sends the reminder for one occurrence, defaulting to now.
func (s *Server) requestReminderHandler(w http.ResponseWriter, r *http.Request) {
	var req reminderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Server.requestReminderHandler", err)
		return
	}
	occurrence := s.clock.Now()
	if req.OccurrenceAt != nil {
		occurrence = *req.OccurrenceAt
	}
	exp, err := s.svc.RequestTaskReminder(r.Context(), chi.URLParam(r, "taskID"), occurrence)
	if err != nil {
		writeError(w, "Server.requestReminderHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Reminder sent", exp))
}

func (s *Server) taskFromPath(r *http.Request) (*models.Task, error) {
	id := chi.URLParam(r, "taskID")
	task, err := s.st.GetTask(id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if task == nil || task.Status == models.TaskStatusDeleted {
		return nil, fmt.Errorf("task %s: %w", id, errNotFound)
	}
	return task, nil
}

// schedule keeps the planner in step with the stored task. A schedule the planner
// rejects was already validated, so failures are only logged.
func (s *Server) schedule(task models.Task) {
	if s.planner == nil {
		return
	}
	if err := s.planner.Register(task); err != nil {
		slog.Error("Server.schedule: failed to register task", "taskID", task.ID, "error", err)
	}
}
