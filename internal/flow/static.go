package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// StaticGenerator renders fixed templates.
type StaticGenerator struct{}

// Generate renders the template for msg.Kind.
func (s *StaticGenerator) Generate(ctx context.Context, msg models.OutboundMessage) (string, error) {
	name := firstName(msg.RecipientName)
	switch msg.Kind {
	case models.MessageConfirmationRequest:
		body := fmt.Sprintf("Hi %s! Your family would like to send you friendly reminders by text. Reply YES to accept or NO to decline.", name)
		if msg.Attempt > 1 {
			body = "Just checking in again. " + body
		}
		return body, nil
	case models.MessageTaskReminder:
		body := fmt.Sprintf("Hi %s, it's time to: %s. %s", name, msg.TaskTitle, EvidenceHint(msg.RequiresPhoto, msg.RequiresText))
		if msg.Attempt > 1 {
			body = "Friendly nudge! " + body
		}
		return body, nil
	case models.MessageAckConfirmed:
		return fmt.Sprintf("Thanks %s! You're all set to receive reminders. Reply STOP at any time to opt out.", name), nil
	case models.MessageAckDeclined:
		return "No problem, you won't receive reminders. Your family can send a new invitation any time.", nil
	case models.MessageAckCompleted:
		return fmt.Sprintf("Got it, thank you %s!", name), nil
	default:
		return "", fmt.Errorf("static generator: unsupported message kind %q", msg.Kind)
	}
}

// EvidenceHint tells the recipient what kind of reply completes a task.
func EvidenceHint(photo, text bool) string {
	switch {
	case photo && text:
		return "Reply with a photo and a short note when it's done."
	case photo:
		return "Reply with a photo when it's done."
	case text:
		return "Reply with a short note when it's done."
	default:
		return "Reply to let us know when it's done."
	}
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
