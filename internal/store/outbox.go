package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/util"
)

// ErrInvalidOutboxMessage is returned when a message without recipient or body is queued.
var ErrInvalidOutboxMessage = errors.New("outbox message needs a recipient and a body")

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is an SMS queued durably after a state change, so a crash between
// the transition and the send cannot lose it.
type OutboxMessage struct {
	ID            string               `json:"id"`
	ProfileID     string               `json:"profile_id"`
	ExpectationID models.ExpectationID `json:"expectation_id,omitempty"`
	Kind          models.MessageKind   `json:"kind"`
	To            string               `json:"to"`
	Body          string               `json:"body"`
	Status        OutboxStatus         `json:"status"`
	Attempts      int                  `json:"attempts"`
	NextAttemptAt *time.Time           `json:"next_attempt_at,omitempty"`
	DedupeKey     string               `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time           `json:"locked_at,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// OutboxRepo persists outgoing messages until the OutboxSender delivers them.
type OutboxRepo interface {
	// EnqueueOutboxMessage stores msg as queued. When msg.DedupeKey is already
	// present nothing is stored and the existing ID is returned.
	EnqueueOutboxMessage(msg OutboxMessage) (string, error)

	// ClaimDueOutboxMessages moves up to limit queued messages that are due at now
	// to sending and returns them. A message is claimed by one caller only.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as delivered to the carrier.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and requeues the message for nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage records a final send failure; the message is not retried.
	AbandonOutboxMessage(id string, errMsg string) error

	// CancelProfileOutbox cancels every queued message of a profile.
	CancelProfileOutbox(profileID string) (int, error)

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}

const outboxColumns = `id, profile_id, expectation_id, kind, recipient, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var expID, dedupeKey, lastError sql.NullString
	var kind, status string
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ProfileID, &expID, &kind, &m.To, &m.Body, &status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, fmt.Errorf("scan outbox message: %w", err)
	}
	m.ExpectationID = models.ExpectationID(expID.String)
	m.Kind = models.MessageKind(kind)
	m.Status = OutboxStatus(status)
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// sqlOutbox implements OutboxRepo on the outbox_messages table. Timestamps are
// written in UTC so SQLite's text comparison orders them correctly.
type sqlOutbox struct {
	db   *sql.DB
	bind binder
}

func (o sqlOutbox) EnqueueOutboxMessage(msg OutboxMessage) (string, error) {
	if msg.To == "" || msg.Body == "" {
		return "", ErrInvalidOutboxMessage
	}
	id := util.NewID("outbox_")
	now := time.Now().UTC()
	res, err := o.db.Exec(o.bind(`INSERT INTO outbox_messages
		(id, profile_id, expectation_id, kind, recipient, body, status, attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?) ON CONFLICT (dedupe_key) DO NOTHING`),
		id, msg.ProfileID, nilIfEmpty(string(msg.ExpectationID)), string(msg.Kind), msg.To, msg.Body,
		nilIfEmpty(msg.DedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		if err := o.db.QueryRow(o.bind(`SELECT id FROM outbox_messages WHERE dedupe_key = ?`), msg.DedupeKey).Scan(&existing); err != nil {
			return "", fmt.Errorf("outbox dedupe lookup %q: %w", msg.DedupeKey, err)
		}
		slog.Debug("sqlOutbox.EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existing)
		return existing, nil
	}
	slog.Debug("sqlOutbox.EnqueueOutboxMessage: queued", "id", id, "profileID", msg.ProfileID, "kind", msg.Kind)
	return id, nil
}

func (o sqlOutbox) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	tx, err := o.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim outbox: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(o.bind(`SELECT `+outboxColumns+` FROM outbox_messages
		WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC LIMIT ?`), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: select: %w", err)
	}
	var due []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: iterate: %w", err)
	}

	claimed := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		res, err := tx.Exec(o.bind(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'`), now, now, m.ID)
		if err != nil {
			return nil, fmt.Errorf("claim outbox message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		claimed = append(claimed, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox: commit: %w", err)
	}
	return claimed, nil
}

func (o sqlOutbox) MarkOutboxMessageSent(id string) error {
	return o.update("mark outbox sent", `UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (o sqlOutbox) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return o.update("fail outbox message", `UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?,
		next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
}

func (o sqlOutbox) AbandonOutboxMessage(id string, errMsg string) error {
	return o.update("abandon outbox message", `UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?,
		locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id)
}

func (o sqlOutbox) CancelProfileOutbox(profileID string) (int, error) {
	res, err := o.db.Exec(o.bind(`UPDATE outbox_messages SET status = 'canceled', updated_at = ? WHERE profile_id = ? AND status = 'queued'`),
		time.Now().UTC(), profileID)
	if err != nil {
		return 0, fmt.Errorf("cancel outbox for profile %s: %w", profileID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (o sqlOutbox) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := o.db.Exec(o.bind(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ?
		WHERE status = 'sending' AND locked_at < ?`), time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("sqlOutbox.RequeueStaleSendingMessages: requeued", "count", n)
	}
	return int(n), nil
}

func (o sqlOutbox) update(op, query string, args ...interface{}) error {
	if _, err := o.db.Exec(o.bind(query), args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
