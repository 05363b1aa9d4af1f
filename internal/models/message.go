package models

// MessageKind identifies which outbound message is being composed.
type MessageKind string

const (
	MessageConfirmationRequest MessageKind = "confirmation_request"
	MessageTaskReminder        MessageKind = "task_reminder"
	MessageAckConfirmed        MessageKind = "ack_confirmed"
	MessageAckDeclined         MessageKind = "ack_declined"
	MessageAckCompleted        MessageKind = "ack_completed"
)

// OutboundMessage carries what a generator needs to render one SMS.
type OutboundMessage struct {
	Kind          MessageKind `json:"kind"`
	To            string      `json:"to"`
	RecipientName string      `json:"recipient_name"`
	Relationship  string      `json:"relationship,omitempty"`
	TaskTitle     string      `json:"task_title,omitempty"`
	RequiresPhoto bool        `json:"requires_photo,omitempty"`
	RequiresText  bool        `json:"requires_text,omitempty"`
	Attempt       int         `json:"attempt,omitempty"`
}
