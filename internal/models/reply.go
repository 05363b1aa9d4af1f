package models

import (
	"strings"
	"time"
)

// InboundReply represents an incoming message from a care recipient.
// It is consumed once by correlation and never persisted as-is.
type InboundReply struct {
	MessageID string    `json:"message_id,omitempty"` // carrier message id, used for dedup
	From      string    `json:"from"`
	Body      string    `json:"body"`
	MediaURLs []string  `json:"media_urls,omitempty"`
	Received  time.Time `json:"received_at"`
}

// HasEvidence reports whether the reply carries text or media.
func (r InboundReply) HasEvidence() bool {
	return len(r.MediaURLs) > 0 || strings.TrimSpace(r.Body) != ""
}

// ReplyClass is the interpretation of a reply body.
type ReplyClass string

const (
	ReplyAffirmative ReplyClass = "affirmative"
	ReplyNegative    ReplyClass = "negative"
	ReplyFreeText    ReplyClass = "free_text"
)

// SMSResponse is the durable record of a resolved reply, shown in the gallery.
type SMSResponse struct {
	ID             string        `json:"id"`
	ProfileID      string        `json:"profile_id"`
	TaskID         string        `json:"task_id,omitempty"`
	ExpectationID  ExpectationID `json:"expectation_id"`
	TextContent    string        `json:"text_content"`
	PhotoRef       string        `json:"photo_ref,omitempty"`
	Classification ReplyClass    `json:"classification"`
	ReceivedAt     time.Time     `json:"received_at"`
}
