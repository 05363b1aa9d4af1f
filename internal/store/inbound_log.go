package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// ErrMissingMessageID is returned when a reply without a carrier id is recorded.
var ErrMissingMessageID = errors.New("inbound reply has no carrier message id")

// OutcomeRejected marks a delivery whose correlation failed; a redelivery of it is
// processed again.
const OutcomeRejected = "rejected"

// InboundRecord is the durable trace of one carrier delivery. Only the first
// delivery of a message id is recorded; redeliveries are recognized by it.
type InboundRecord struct {
	MessageID     string               `json:"message_id"`
	Sender        string               `json:"sender"`
	HasMedia      bool                 `json:"has_media"`
	ReceivedAt    time.Time            `json:"received_at"`
	Outcome       string               `json:"outcome,omitempty"`
	ExpectationID models.ExpectationID `json:"expectation_id,omitempty"`
	ProcessedAt   *time.Time           `json:"processed_at,omitempty"`
}

// InboundLog records carrier deliveries so a redelivered reply is correlated once,
// even across restarts.
type InboundLog interface {
	// RecordInbound stores the first delivery of a message and reports whether it
	// still needs correlation: true for a new id, and for a known id that was never
	// marked processed or whose outcome was OutcomeRejected.
	RecordInbound(reply models.InboundReply) (bool, error)

	// MarkProcessed stores how correlation ended for a recorded message.
	MarkProcessed(messageID, outcome string, expID models.ExpectationID) error

	// GetInbound returns the record for a message id, or nil when it is unknown.
	GetInbound(messageID string) (*InboundRecord, error)

	// PruneInbound deletes records received before the cutoff.
	PruneInbound(before time.Time) (int, error)
}

// sqlInboundLog implements InboundLog on the inbound_log table.
type sqlInboundLog struct {
	db   *sql.DB
	bind binder
}

func (l sqlInboundLog) RecordInbound(reply models.InboundReply) (bool, error) {
	if reply.MessageID == "" {
		return false, ErrMissingMessageID
	}
	received := reply.Received
	if received.IsZero() {
		received = time.Now()
	}
	res, err := l.db.Exec(l.bind(`INSERT INTO inbound_log (message_id, sender, has_media, received_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		reply.MessageID, reply.From, len(reply.MediaURLs) > 0, received.UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", reply.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: rows affected: %w", reply.MessageID, err)
	}
	if n > 0 {
		return true, nil
	}
	var unfinished int
	err = l.db.QueryRow(l.bind(`SELECT COUNT(*) FROM inbound_log
		WHERE message_id = ? AND (processed_at IS NULL OR outcome = ?)`), reply.MessageID, OutcomeRejected).Scan(&unfinished)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: check outcome: %w", reply.MessageID, err)
	}
	return unfinished > 0, nil
}

func (l sqlInboundLog) MarkProcessed(messageID, outcome string, expID models.ExpectationID) error {
	_, err := l.db.Exec(l.bind(`UPDATE inbound_log SET outcome = ?, expectation_id = ?, processed_at = ? WHERE message_id = ?`),
		outcome, nilIfEmpty(string(expID)), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark inbound %s processed: %w", messageID, err)
	}
	return nil
}

func (l sqlInboundLog) GetInbound(messageID string) (*InboundRecord, error) {
	var rec InboundRecord
	var outcome, expID sql.NullString
	var processedAt sql.NullTime
	err := l.db.QueryRow(l.bind(`SELECT message_id, sender, has_media, received_at, outcome, expectation_id, processed_at
		FROM inbound_log WHERE message_id = ?`), messageID).
		Scan(&rec.MessageID, &rec.Sender, &rec.HasMedia, &rec.ReceivedAt, &outcome, &expID, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound %s: %w", messageID, err)
	}
	rec.Outcome = outcome.String
	rec.ExpectationID = models.ExpectationID(expID.String)
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	return &rec, nil
}

func (l sqlInboundLog) PruneInbound(before time.Time) (int, error) {
	res, err := l.db.Exec(l.bind(`DELETE FROM inbound_log WHERE received_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
