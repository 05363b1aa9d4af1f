package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// MaxGeneratedLength caps generated bodies so a reminder fits a couple of SMS segments.
const MaxGeneratedLength = 300

// Completer produces a chat completion for a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenAIGenerator phrases task reminders with a language model and falls back to the
// static template when the model fails or returns something unusable.
type GenAIGenerator struct {
	Client   Completer
	Fallback Generator
}

const reminderSystemPrompt = `You write short, warm SMS reminders for an elderly person on behalf of their family.
Write one or two plain sentences, no emoji, no links. Always end with the reply instruction you are given, unchanged.`

// Generate phrases the message using the model.
func (g *GenAIGenerator) Generate(ctx context.Context, msg models.OutboundMessage) (string, error) {
	fallback := g.Fallback
	if fallback == nil {
		fallback = &StaticGenerator{}
	}
	if g.Client == nil || msg.Kind != models.MessageTaskReminder {
		return fallback.Generate(ctx, msg)
	}

	hint := EvidenceHint(msg.RequiresPhoto, msg.RequiresText)
	user := fmt.Sprintf("Recipient first name: %s\nTask: %s\nReply instruction: %s", firstName(msg.RecipientName), msg.TaskTitle, hint)
	body, err := g.Client.Complete(ctx, reminderSystemPrompt, user)
	body = strings.TrimSpace(body)
	switch {
	case err != nil:
		slog.Warn("GenAIGenerator.Generate: completion failed, using template", "error", err)
		return fallback.Generate(ctx, msg)
	case body == "" || len(body) > MaxGeneratedLength || !strings.Contains(body, hint):
		slog.Warn("GenAIGenerator.Generate: unusable completion, using template", "length", len(body))
		return fallback.Generate(ctx, msg)
	}
	return body, nil
}
