// Package models defines pending expectation structures for CareNudge correlation.
package models

import "time"

// SubjectType identifies what kind of outstanding request an expectation tracks.
type SubjectType string

const (
	// SubjectProfileConfirmation tracks an SMS consent confirmation request.
	SubjectProfileConfirmation SubjectType = "profileConfirmation"
	// SubjectTaskResponse tracks a reminder for one scheduled task occurrence.
	SubjectTaskResponse SubjectType = "taskResponse"
)

// IsValidSubjectType checks if the given subject type is supported.
func IsValidSubjectType(st SubjectType) bool {
	return st == SubjectProfileConfirmation || st == SubjectTaskResponse
}

// ExpectationID identifies a single pending expectation.
type ExpectationID string

// ExpectationStatus represents the lifecycle state of a pending expectation.
type ExpectationStatus string

const (
	// ExpectationOpen is awaiting a reply.
	ExpectationOpen ExpectationStatus = "open"
	// ExpectationResolved was answered by a correlated reply.
	ExpectationResolved ExpectationStatus = "resolved"
	// ExpectationExpired was closed without an answer (timeout, superseded or canceled).
	ExpectationExpired ExpectationStatus = "expired"
)

// CloseReason records why an expectation stopped being open.
type CloseReason string

const (
	CloseReasonNone       CloseReason = ""
	CloseReasonAnswered   CloseReason = "answered"
	CloseReasonSuperseded CloseReason = "superseded"
	CloseReasonTimeout    CloseReason = "timeout"
	CloseReasonCanceled   CloseReason = "canceled"
	CloseReasonSendFailed CloseReason = "send_failed"
)

// PendingExpectation is the coordination record created when an outbound message is sent.
type PendingExpectation struct {
	ID           ExpectationID     `json:"id"`
	SubjectType  SubjectType       `json:"subject_type"`
	SubjectID    string            `json:"subject_id"`
	ProfileID    string            `json:"profile_id"`
	PhoneNumber  string            `json:"phone_number"`
	OccurrenceAt time.Time         `json:"occurrence_at,omitempty"` // task occurrences only
	MessageRef   string            `json:"message_ref,omitempty"`
	IssuedAt     time.Time         `json:"issued_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Attempt      int               `json:"attempt"`
	Status       ExpectationStatus `json:"status"`
	CloseReason  CloseReason       `json:"close_reason,omitempty"`
	ClosedAt     time.Time         `json:"closed_at,omitempty"`
}

// SubjectKey returns the key under which at most one expectation may be open.
func (e PendingExpectation) SubjectKey() SubjectKey {
	return SubjectKey{Type: e.SubjectType, ID: e.SubjectID}
}

// IsOpen reports whether the expectation still awaits a reply.
func (e PendingExpectation) IsOpen() bool {
	return e.Status == ExpectationOpen
}

// SubjectKey is the (type, id) pair a pending expectation tracks.
type SubjectKey struct {
	Type SubjectType
	ID   string
}

func (k SubjectKey) String() string {
	return string(k.Type) + ":" + k.ID
}
