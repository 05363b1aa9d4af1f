package confirmation

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CareNudge/internal/correlate"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/store"
)

// ackKind maps a reply-driven state to its acknowledgment message.
func ackKind(state models.SubjectState) (models.MessageKind, bool) {
	switch state {
	case models.SubjectState(models.ProfileStatusConfirmed):
		return models.MessageAckConfirmed, true
	case models.SubjectState(models.ProfileStatusDeclined):
		return models.MessageAckDeclined, true
	case models.TaskStateCompleted:
		return models.MessageAckCompleted, true
	}
	return "", false
}

const ackKeyPrefix = "ack:"

// ackDedupeKey keeps one acknowledgment per answered expectation, even when a
// duplicate delivery slips past inbound dedup.
func ackDedupeKey(id models.ExpectationID) string {
	return ackKeyPrefix + string(id)
}

// acknowledge sends the short reply confirming a transition. Failures are logged;
// the transition already happened.
func (s *Service) acknowledge(ctx context.Context, result correlate.Result) {
	kind, ok := ackKind(result.Event.NewState)
	if !ok {
		return
	}
	exp := result.Expectation
	name := ""
	if profile, err := s.store.GetProfile(exp.ProfileID); err == nil && profile != nil {
		name = profile.DisplayName
	}
	msg := models.OutboundMessage{Kind: kind, To: exp.PhoneNumber, RecipientName: name}
	body, err := s.generator.Generate(ctx, msg)
	if err != nil {
		slog.Error("Service.acknowledge: generate failed", "kind", kind, "expectationID", exp.ID, "error", err)
		return
	}

	if s.outbox != nil {
		id, err := s.outbox.EnqueueOutboxMessage(store.OutboxMessage{
			ProfileID:     exp.ProfileID,
			ExpectationID: exp.ID,
			Kind:          kind,
			To:            exp.PhoneNumber,
			Body:          body,
			DedupeKey:     ackDedupeKey(exp.ID),
		})
		if err != nil {
			slog.Error("Service.acknowledge: enqueue failed", "expectationID", exp.ID, "error", err)
			return
		}
		slog.Debug("Service.acknowledge: acknowledgment queued", "outboxID", id, "kind", kind, "expectationID", exp.ID)
		return
	}

	ref, err := s.sender.SendMessage(ctx, exp.PhoneNumber, body)
	if s.observer != nil {
		s.observer.ObserveSend(kind, err)
	}
	if err != nil {
		slog.Error("Service.acknowledge: send failed", "kind", kind, "expectationID", exp.ID, "error", err)
		return
	}
	slog.Debug("Service.acknowledge: acknowledgment sent", "kind", kind, "ref", ref, "expectationID", exp.ID)
}
