package models

import "time"

// SubjectState is the state a subject moved to, shared by both state machines.
type SubjectState string

// Task-response occurrence states. Profile states reuse ProfileStatus values.
const (
	TaskStateAwaiting  SubjectState = "awaiting"
	TaskStateCompleted SubjectState = "completed"
	TaskStateMissed    SubjectState = "missed"
)

// StateChangeEvent announces that a subject moved to a new state.
type StateChangeEvent struct {
	ID            string        `json:"id"`
	SubjectType   SubjectType   `json:"subject_type"`
	SubjectID     string        `json:"subject_id"`
	ProfileID     string        `json:"profile_id"`
	ExpectationID ExpectationID `json:"expectation_id,omitempty"`
	NewState      SubjectState  `json:"new_state"`
	Terminal      bool          `json:"terminal"`
	Reason        string        `json:"reason,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Response      *SMSResponse  `json:"response,omitempty"`
	// Gap is the number of events dropped for this subscriber just before this one.
	Gap int `json:"gap,omitempty"`
}
