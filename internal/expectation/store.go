// Package expectation keeps the registry of outstanding requests that are waiting
// for a reply.
//
// At most one expectation is open per subject (profile confirmation or task
// occurrence stream). Mutations on a subject are serialized by a per-subject lock;
// unrelated subjects proceed in parallel and reads take a snapshot.
package expectation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/util"
)

// Sentinel errors returned by Store.
var (
	ErrConflictingOpenExpectation = errors.New("an open expectation already exists for this subject")
	ErrExpectationNotFound        = errors.New("expectation not found")
	ErrExpectationClosed          = errors.New("expectation is no longer open")
	ErrInvalidRequest             = errors.New("invalid expectation request")
)

// DefaultTTL is used when an OpenRequest carries no TTL.
const DefaultTTL = 24 * time.Hour

// OpenRequest describes a new expectation.
type OpenRequest struct {
	SubjectType  models.SubjectType
	SubjectID    string
	ProfileID    string
	PhoneNumber  string // canonical E.164
	OccurrenceAt time.Time
	MessageRef   string
	TTL          time.Duration
	Attempt      int // defaults to 1
}

// Opts holds configuration options for the Store.
type Opts struct {
	Clock clock.Clock
}

// Option defines a configuration option for the Store.
type Option func(*Opts)

// WithClock sets the clock used for issue, expiry and close timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) {
		o.Clock = c
	}
}

// Store is an in-memory registry of pending expectations.
type Store struct {
	clock clock.Clock
	locks *keyedMutex

	mu      sync.RWMutex
	byID    map[models.ExpectationID]*models.PendingExpectation
	open    map[models.SubjectKey]models.ExpectationID
	byPhone map[string]map[models.ExpectationID]struct{}
}

// NewStore creates an empty Store, applying any provided options.
func NewStore(opts ...Option) *Store {
	cfg := Opts{Clock: clock.Real()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		clock:   cfg.Clock,
		locks:   newKeyedMutex(),
		byID:    make(map[models.ExpectationID]*models.PendingExpectation),
		open:    make(map[models.SubjectKey]models.ExpectationID),
		byPhone: make(map[string]map[models.ExpectationID]struct{}),
	}
}

// Open records a new open expectation. It fails with ErrConflictingOpenExpectation
// if the subject already has one; callers must Supersede first.
func (s *Store) Open(req OpenRequest) (models.PendingExpectation, error) {
	if !models.IsValidSubjectType(req.SubjectType) || req.SubjectID == "" || req.PhoneNumber == "" {
		return models.PendingExpectation{}, fmt.Errorf("%w: subject=%s:%s phone=%q", ErrInvalidRequest, req.SubjectType, req.SubjectID, req.PhoneNumber)
	}
	key := models.SubjectKey{Type: req.SubjectType, ID: req.SubjectID}
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.open[key]; ok {
		return models.PendingExpectation{}, fmt.Errorf("%w: %s (open id %s)", ErrConflictingOpenExpectation, key, id)
	}
	exp := s.newLocked(req)
	slog.Debug("Store.Open: expectation opened", "id", exp.ID, "subject", key.String(), "attempt", exp.Attempt)
	return *exp, nil
}

// Supersede expires the subject's open expectation, if any, so a fresh one can be opened.
func (s *Store) Supersede(subjectType models.SubjectType, subjectID string) error {
	_, _ = s.CloseSubject(subjectType, subjectID, models.CloseReasonSuperseded)
	return nil
}

// CloseSubject expires the subject's open expectation with the given reason.
// It returns the closed expectation and true, or false if nothing was open.
func (s *Store) CloseSubject(subjectType models.SubjectType, subjectID string, reason models.CloseReason) (models.PendingExpectation, bool) {
	key := models.SubjectKey{Type: subjectType, ID: subjectID}
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.open[key]
	if !ok {
		return models.PendingExpectation{}, false
	}
	exp := s.byID[id]
	s.closeLocked(exp, models.ExpectationExpired, reason)
	slog.Debug("Store.CloseSubject: expectation closed", "id", id, "subject", key.String(), "reason", reason)
	return *exp, true
}

// Get returns a copy of the expectation with the given id.
func (s *Store) Get(id models.ExpectationID) (models.PendingExpectation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.byID[id]
	if !ok {
		return models.PendingExpectation{}, fmt.Errorf("%w: %s", ErrExpectationNotFound, id)
	}
	return *exp, nil
}

// GetOpen returns the subject's open expectation, if any.
func (s *Store) GetOpen(subjectType models.SubjectType, subjectID string) (models.PendingExpectation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[models.SubjectKey{Type: subjectType, ID: subjectID}]
	if !ok {
		return models.PendingExpectation{}, false
	}
	return *s.byID[id], true
}

// FindOpenByPhone returns a snapshot of every open expectation for the canonical number,
// ordered by issue time, oldest first.
func (s *Store) FindOpenByPhone(phoneNumber string) []models.PendingExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byPhone[phoneNumber]
	out := make([]models.PendingExpectation, 0, len(ids))
	for id := range ids {
		out = append(out, *s.byID[id])
	}
	sortByIssued(out)
	return out
}

// FindOpenByProfile returns a snapshot of every open expectation for a profile.
func (s *Store) FindOpenByProfile(profileID string) []models.PendingExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingExpectation
	for _, id := range s.open {
		if exp := s.byID[id]; exp.ProfileID == profileID {
			out = append(out, *exp)
		}
	}
	sortByIssued(out)
	return out
}

// ListOpen returns a snapshot of every open expectation.
func (s *Store) ListOpen() []models.PendingExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PendingExpectation, 0, len(s.open))
	for _, id := range s.open {
		out = append(out, *s.byID[id])
	}
	sortByIssued(out)
	return out
}

// Resolve marks the expectation as answered. It is idempotent: resolving an already
// resolved expectation succeeds without change. An expectation that timed out is still
// resolved, so a reply always wins against expiry; expectations closed for any other
// reason fail with ErrExpectationClosed.
func (s *Store) Resolve(id models.ExpectationID) error {
	key, err := s.keyOf(id)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.byID[id]
	switch {
	case exp.Status == models.ExpectationResolved:
		return nil
	case exp.Status == models.ExpectationOpen:
		s.closeLocked(exp, models.ExpectationResolved, models.CloseReasonAnswered)
	case exp.Status == models.ExpectationExpired && exp.CloseReason == models.CloseReasonTimeout:
		exp.Status = models.ExpectationResolved
		exp.CloseReason = models.CloseReasonAnswered
		exp.ClosedAt = s.clock.Now()
	default:
		return fmt.Errorf("%w: %s closed as %s", ErrExpectationClosed, id, exp.CloseReason)
	}
	slog.Debug("Store.Resolve: expectation resolved", "id", id, "subject", key.String())
	return nil
}

// Expire times out an open expectation. It is a no-op if the expectation is already
// resolved or expired.
func (s *Store) Expire(id models.ExpectationID) error {
	key, err := s.keyOf(id)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.byID[id]
	if exp.Status != models.ExpectationOpen {
		return nil
	}
	s.closeLocked(exp, models.ExpectationExpired, models.CloseReasonTimeout)
	slog.Debug("Store.Expire: expectation expired", "id", id, "subject", key.String())
	return nil
}

// SettleFunc runs under the subject lock while the expectation is still open.
// Returning an error leaves the expectation open.
type SettleFunc func(exp models.PendingExpectation) error

// Settle closes an open expectation with the given status and reason, running fn
// first under the subject lock. Whoever settles first wins: if the expectation is no
// longer open, fn is not called and settled is false. The returned expectation
// reflects the state after the call.
func (s *Store) Settle(id models.ExpectationID, status models.ExpectationStatus, reason models.CloseReason, fn SettleFunc) (exp models.PendingExpectation, settled bool, err error) {
	if status != models.ExpectationResolved && status != models.ExpectationExpired {
		return models.PendingExpectation{}, false, fmt.Errorf("%w: cannot settle as %q", ErrInvalidRequest, status)
	}
	key, err := s.keyOf(id)
	if err != nil {
		return models.PendingExpectation{}, false, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.RLock()
	current := *s.byID[id]
	s.mu.RUnlock()
	if !current.IsOpen() {
		return current, false, nil
	}

	if fn != nil {
		if err := fn(current); err != nil {
			return current, false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.byID[id]
	s.closeLocked(stored, status, reason)
	return *stored, true, nil
}

// Reissue supersedes an open expectation with a new one for the same subject, with the
// attempt count incremented and a fresh expiry. It fails with ErrExpectationClosed if
// the expectation is no longer open.
func (s *Store) Reissue(id models.ExpectationID, ttl time.Duration) (models.PendingExpectation, error) {
	key, err := s.keyOf(id)
	if err != nil {
		return models.PendingExpectation{}, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.byID[id]
	if !old.IsOpen() {
		return *old, fmt.Errorf("%w: %s", ErrExpectationClosed, id)
	}
	s.closeLocked(old, models.ExpectationExpired, models.CloseReasonSuperseded)
	next := s.newLocked(OpenRequest{
		SubjectType:  old.SubjectType,
		SubjectID:    old.SubjectID,
		ProfileID:    old.ProfileID,
		PhoneNumber:  old.PhoneNumber,
		OccurrenceAt: old.OccurrenceAt,
		TTL:          ttl,
		Attempt:      old.Attempt + 1,
	})
	slog.Debug("Store.Reissue: expectation reissued", "old_id", id, "new_id", next.ID, "attempt", next.Attempt)
	return *next, nil
}

// SetMessageRef records the transport message reference of the send that created exp.
func (s *Store) SetMessageRef(id models.ExpectationID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExpectationNotFound, id)
	}
	exp.MessageRef = ref
	return nil
}

// Prune drops closed expectations that closed before the cutoff and returns how many
// were removed.
func (s *Store) Prune(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, exp := range s.byID {
		if !exp.IsOpen() && exp.ClosedAt.Before(before) {
			delete(s.byID, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Store.Prune: removed closed expectations", "count", removed, "before", before)
	}
	return removed
}

// Len returns the total number of tracked expectations, open and closed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Store) keyOf(id models.ExpectationID) (models.SubjectKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.byID[id]
	if !ok {
		return models.SubjectKey{}, fmt.Errorf("%w: %s", ErrExpectationNotFound, id)
	}
	return exp.SubjectKey(), nil
}

// newLocked creates and indexes an open expectation. Callers hold the subject lock and s.mu.
func (s *Store) newLocked(req OpenRequest) *models.PendingExpectation {
	now := s.clock.Now()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}
	exp := &models.PendingExpectation{
		ID:           models.ExpectationID(util.NewID(util.PrefixExpectation)),
		SubjectType:  req.SubjectType,
		SubjectID:    req.SubjectID,
		ProfileID:    req.ProfileID,
		PhoneNumber:  req.PhoneNumber,
		OccurrenceAt: req.OccurrenceAt,
		MessageRef:   req.MessageRef,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Attempt:      attempt,
		Status:       models.ExpectationOpen,
	}
	s.byID[exp.ID] = exp
	s.open[exp.SubjectKey()] = exp.ID
	phoneIDs, ok := s.byPhone[exp.PhoneNumber]
	if !ok {
		phoneIDs = make(map[models.ExpectationID]struct{})
		s.byPhone[exp.PhoneNumber] = phoneIDs
	}
	phoneIDs[exp.ID] = struct{}{}
	return exp
}

// closeLocked moves an open expectation to a closed status and unindexes it.
func (s *Store) closeLocked(exp *models.PendingExpectation, status models.ExpectationStatus, reason models.CloseReason) {
	exp.Status = status
	exp.CloseReason = reason
	exp.ClosedAt = s.clock.Now()
	key := exp.SubjectKey()
	if s.open[key] == exp.ID {
		delete(s.open, key)
	}
	if phoneIDs, ok := s.byPhone[exp.PhoneNumber]; ok {
		delete(phoneIDs, exp.ID)
		if len(phoneIDs) == 0 {
			delete(s.byPhone, exp.PhoneNumber)
		}
	}
}

func sortByIssued(exps []models.PendingExpectation) {
	sort.SliceStable(exps, func(i, j int) bool {
		if exps[i].IssuedAt.Equal(exps[j].IssuedAt) {
			return exps[i].Attempt < exps[j].Attempt
		}
		return exps[i].IssuedAt.Before(exps[j].IssuedAt)
	})
}
