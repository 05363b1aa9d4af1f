// Package util provides identifier generation for CareNudge records.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// Record ID prefixes. The prefix makes IDs self-describing in logs.
const (
	PrefixProfile     = "prof_"
	PrefixTask        = "task_"
	PrefixExpectation = "exp_"
	PrefixResponse    = "resp_"
	PrefixEvent       = "evt_"
)

// NewID generates a random ID with the specified prefix followed by a dashless UUIDv4.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewProfileID generates a unique profile ID.
func NewProfileID() string {
	return NewID(PrefixProfile)
}

// NewTaskID generates a unique task ID.
func NewTaskID() string {
	return NewID(PrefixTask)
}

// NewResponseID generates a unique SMS response ID.
func NewResponseID() string {
	return NewID(PrefixResponse)
}

// NewEventID generates a unique state change event ID.
func NewEventID() string {
	return NewID(PrefixEvent)
}
