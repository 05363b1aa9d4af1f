package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// Generator defines how to create a message body for an outbound message.
type Generator interface {
	Generate(ctx context.Context, msg models.OutboundMessage) (string, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[models.MessageKind]Generator)
)

// Register associates a MessageKind with a Generator implementation.
func Register(kind models.MessageKind, gen Generator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = gen
}

// Get retrieves the Generator for a given MessageKind.
func Get(kind models.MessageKind) (Generator, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	gen, ok := registry[kind]
	return gen, ok
}

// Generate finds and runs the Generator for the message's kind.
func Generate(ctx context.Context, msg models.OutboundMessage) (string, error) {
	slog.Debug("Flow Generate invoked", "kind", msg.Kind, "to", msg.To)
	gen, ok := Get(msg.Kind)
	if !ok {
		slog.Error("No generator registered for message kind", "kind", msg.Kind, "to", msg.To)
		return "", fmt.Errorf("no generator registered for message kind %s", msg.Kind)
	}
	body, err := gen.Generate(ctx, msg)
	if err != nil {
		slog.Error("Flow generator error", "kind", msg.Kind, "to", msg.To, "error", err)
		return "", err
	}
	return body, nil
}

// Register default generators
func init() {
	static := &StaticGenerator{}
	for _, kind := range []models.MessageKind{
		models.MessageConfirmationRequest,
		models.MessageTaskReminder,
		models.MessageAckConfirmed,
		models.MessageAckDeclined,
		models.MessageAckCompleted,
	} {
		Register(kind, static)
	}
}
