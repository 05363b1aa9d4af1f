package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// sqlRecords implements the profile, task and response half of Store for both SQL
// drivers. Timestamps are written in UTC so SQLite's text ordering matches time order.
type sqlRecords struct {
	db     *sql.DB
	bind   binder
	driver string
}

// nilIfEmpty maps "" to NULL for nullable columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// queryAll runs query and scans every row with scan.
func queryAll[T any](db *sql.DB, scan func(rowScanner) (T, error), query string, args ...interface{}) ([]T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const profileColumns = `id, owner_id, display_name, phone_number, relationship, status, created_at, last_active_at`

func scanProfile(row rowScanner) (models.Profile, error) {
	var p models.Profile
	var relationship sql.NullString
	err := row.Scan(&p.ID, &p.OwnerID, &p.DisplayName, &p.PhoneNumber, &relationship, &p.Status, &p.CreatedAt, &p.LastActiveAt)
	p.Relationship = relationship.String
	return p, err
}

const taskColumns = `id, profile_id, title, schedule_json, requires_photo, requires_text, status, created_at, updated_at`

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var schedule string
	if err := row.Scan(&t.ID, &t.ProfileID, &t.Title, &schedule, &t.RequiresPhoto, &t.RequiresText, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(schedule), &t.Schedule); err != nil {
		return t, fmt.Errorf("decode schedule for task %s: %w", t.ID, err)
	}
	return t, nil
}

const responseColumns = `id, profile_id, task_id, expectation_id, text_content, photo_ref, classification, received_at`

func scanResponse(row rowScanner) (models.SMSResponse, error) {
	var r models.SMSResponse
	var taskID, photoRef sql.NullString
	err := row.Scan(&r.ID, &r.ProfileID, &taskID, &r.ExpectationID, &r.TextContent, &photoRef, &r.Classification, &r.ReceivedAt)
	r.TaskID = taskID.String
	r.PhotoRef = photoRef.String
	return r, err
}

func (s sqlRecords) SaveProfile(p models.Profile) error {
	_, err := s.db.Exec(s.bind(`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, display_name = excluded.display_name,
			phone_number = excluded.phone_number, relationship = excluded.relationship,
			status = excluded.status, last_active_at = excluded.last_active_at`),
		p.ID, p.OwnerID, p.DisplayName, p.PhoneNumber, nilIfEmpty(p.Relationship), string(p.Status),
		p.CreatedAt.UTC(), p.LastActiveAt.UTC())
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	slog.Debug("sqlRecords.SaveProfile: saved", "driver", s.driver, "id", p.ID, "status", p.Status)
	return nil
}

func (s sqlRecords) GetProfile(id string) (*models.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(s.bind(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return &p, nil
}

func (s sqlRecords) ListProfiles(ownerID string) ([]models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	profiles, err := queryAll(s.db, scanProfile, s.bind(query+` ORDER BY created_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

func (s sqlRecords) UpdateProfileStatus(id string, status models.ProfileStatus) error {
	res, err := s.db.Exec(s.bind(`UPDATE profiles SET status = ?, last_active_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	slog.Debug("sqlRecords.UpdateProfileStatus: updated", "driver", s.driver, "id", id, "status", status)
	return nil
}

// DeleteProfile removes a profile with its tasks and responses in one transaction.
func (s sqlRecords) DeleteProfile(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	defer tx.Rollback()
	for _, table := range []string{"sms_responses", "tasks"} {
		if _, err := tx.Exec(s.bind(`DELETE FROM `+table+` WHERE profile_id = ?`), id); err != nil {
			return fmt.Errorf("delete profile %s %s: %w", id, table, err)
		}
	}
	if _, err := tx.Exec(s.bind(`DELETE FROM profiles WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	return tx.Commit()
}

func (s sqlRecords) SaveTask(t models.Task) error {
	schedule, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule for task %s: %w", t.ID, err)
	}
	_, err = s.db.Exec(s.bind(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, schedule_json = excluded.schedule_json,
			requires_photo = excluded.requires_photo, requires_text = excluded.requires_text,
			status = excluded.status, updated_at = excluded.updated_at`),
		t.ID, t.ProfileID, t.Title, string(schedule), t.RequiresPhoto, t.RequiresText, string(t.Status),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	slog.Debug("sqlRecords.SaveTask: saved", "driver", s.driver, "id", t.ID, "profileID", t.ProfileID)
	return nil
}

func (s sqlRecords) GetTask(id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRow(s.bind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s sqlRecords) ListTasks(profileID string) ([]models.Task, error) {
	tasks, err := queryAll(s.db, scanTask, s.bind(`SELECT `+taskColumns+` FROM tasks WHERE profile_id = ? ORDER BY created_at ASC`), profileID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", profileID, err)
	}
	return tasks, nil
}

func (s sqlRecords) ListActiveTasks() ([]models.Task, error) {
	tasks, err := queryAll(s.db, scanTask, s.bind(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`), string(models.TaskStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return tasks, nil
}

func (s sqlRecords) SaveResponse(r models.SMSResponse) error {
	_, err := s.db.Exec(s.bind(`INSERT INTO sms_responses (`+responseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ProfileID, nilIfEmpty(r.TaskID), string(r.ExpectationID), r.TextContent, nilIfEmpty(r.PhotoRef),
		string(r.Classification), r.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("save response %s: %w", r.ID, err)
	}
	slog.Debug("sqlRecords.SaveResponse: saved", "driver", s.driver, "id", r.ID, "profileID", r.ProfileID)
	return nil
}

// ListResponses returns a profile's gallery, newest first.
func (s sqlRecords) ListResponses(profileID string) ([]models.SMSResponse, error) {
	responses, err := queryAll(s.db, scanResponse, s.bind(`SELECT `+responseColumns+` FROM sms_responses WHERE profile_id = ? ORDER BY received_at DESC`), profileID)
	if err != nil {
		return nil, fmt.Errorf("list responses for %s: %w", profileID, err)
	}
	return responses, nil
}
