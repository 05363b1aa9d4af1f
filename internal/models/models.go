// Package models defines the core data structures for CareNudge.
//
// It includes profiles, tasks, pending expectations, inbound replies, resolved responses
// and state change events, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxDisplayNameLength defines the maximum allowed length for a profile display name
	MaxDisplayNameLength = 100
	// MaxTaskTitleLength defines the maximum allowed length for a task title
	MaxTaskTitleLength = 200
	// MaxRelationshipLength defines the maximum allowed length for a relationship label
	MaxRelationshipLength = 50
)

// Error variables for better error handling and testability
var (
	ErrEmptyOwner          = errors.New("owner_id is required")
	ErrEmptyDisplayName    = errors.New("display_name is required")
	ErrDisplayNameTooLong  = errors.New("display_name exceeds maximum length")
	ErrRelationshipTooLong = errors.New("relationship exceeds maximum length")
	ErrEmptyPhoneNumber    = errors.New("phone_number is required")
	ErrEmptyTaskTitle      = errors.New("title is required")
	ErrTaskTitleTooLong    = errors.New("title exceeds maximum length")
	ErrInvalidFrequency    = errors.New("invalid schedule frequency")
	ErrInvalidScheduleTime = errors.New("schedule time must be in HH:MM format")
	ErrMissingWeekdays     = errors.New("weekly schedules require at least one weekday")
	ErrInvalidTimezone     = errors.New("invalid timezone")
	ErrInvalidTaskStatus   = errors.New("invalid task status")
)

// ProfileStatus represents the SMS consent confirmation status of a care recipient.
type ProfileStatus string

const (
	// ProfileStatusPending indicates a confirmation request is outstanding or not yet sent.
	ProfileStatusPending ProfileStatus = "pending"
	// ProfileStatusConfirmed indicates the recipient agreed to receive reminders.
	ProfileStatusConfirmed ProfileStatus = "confirmed"
	// ProfileStatusDeclined indicates the recipient declined or replied ambiguously.
	ProfileStatusDeclined ProfileStatus = "declined"
	// ProfileStatusFailed indicates confirmation retries were exhausted without a reply.
	ProfileStatusFailed ProfileStatus = "failed"
)

// IsTerminal reports whether no reply-driven transition leaves this status.
func (s ProfileStatus) IsTerminal() bool {
	return s == ProfileStatusConfirmed || s == ProfileStatusDeclined || s == ProfileStatusFailed
}

// SuppressesReminders reports whether reminder sends are blocked for this status.
func (s ProfileStatus) SuppressesReminders() bool {
	return s == ProfileStatusDeclined || s == ProfileStatusFailed
}

// Profile represents a care recipient.
type Profile struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	DisplayName  string        `json:"display_name"`
	PhoneNumber  string        `json:"phone_number"` // canonical E.164
	Relationship string        `json:"relationship,omitempty"`
	Status       ProfileStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// Validate performs validation on a Profile structure.
// The phone number is validated separately by the phone normalizer.
func (p *Profile) Validate() error {
	if p.OwnerID == "" {
		return ErrEmptyOwner
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return ErrEmptyDisplayName
	}
	if len(p.DisplayName) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	if len(p.Relationship) > MaxRelationshipLength {
		return ErrRelationshipTooLong
	}
	if p.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	return nil
}

// Frequency defines how often a task recurs.
type Frequency string

const (
	// FrequencyDaily repeats every day at the scheduled time.
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly repeats on the selected weekdays at the scheduled time.
	FrequencyWeekly Frequency = "weekly"
)

// Schedule describes when a task reminder is sent.
type Schedule struct {
	Frequency Frequency      `json:"frequency"`
	Time      string         `json:"time"`               // HH:MM, 24h
	Weekdays  []time.Weekday `json:"weekdays,omitempty"` // used by weekly schedules
	Timezone  string         `json:"timezone,omitempty"` // e.g., "America/New_York"
}

// Validate checks the schedule fields.
func (s *Schedule) Validate() error {
	switch s.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if len(s.Weekdays) == 0 {
			return ErrMissingWeekdays
		}
	default:
		return ErrInvalidFrequency
	}
	if _, err := time.Parse("15:04", s.Time); err != nil {
		return ErrInvalidScheduleTime
	}
	for _, d := range s.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("weekday %d out of range", d)
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	return nil
}

// ToCronString converts the schedule to a standard 5-field cron expression.
func (s *Schedule) ToCronString() string {
	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return ""
	}
	dow := "*"
	if s.Frequency == FrequencyWeekly && len(s.Weekdays) > 0 {
		days := make([]string, 0, len(s.Weekdays))
		for _, d := range s.Weekdays {
			days = append(days, fmt.Sprintf("%d", int(d)))
		}
		dow = strings.Join(days, ",")
	}
	return fmt.Sprintf("%d %d * * %s", t.Minute(), t.Hour(), dow)
}

// Location returns the schedule's time zone, defaulting to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TaskStatus represents the lifecycle status of a task definition.
type TaskStatus string

const (
	// TaskStatusActive indicates reminders are sent on schedule.
	TaskStatusActive TaskStatus = "active"
	// TaskStatusPaused indicates reminders are temporarily not sent.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusDeleted indicates the task was removed by its owner.
	TaskStatusDeleted TaskStatus = "deleted"
)

// IsValidTaskStatus checks if the given task status is valid.
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusActive, TaskStatusPaused, TaskStatusDeleted:
		return true
	default:
		return false
	}
}

// Task represents a recurring reminder (habit) scoped to one profile.
type Task struct {
	ID            string     `json:"id"`
	ProfileID     string     `json:"profile_id"`
	Title         string     `json:"title"`
	Schedule      Schedule   `json:"schedule"`
	RequiresPhoto bool       `json:"requires_photo"`
	RequiresText  bool       `json:"requires_text"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Validate performs validation on a Task structure.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTaskTitle
	}
	if len(t.Title) > MaxTaskTitleLength {
		return ErrTaskTitleTooLong
	}
	if t.Status != "" && !IsValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return t.Schedule.Validate()
}
