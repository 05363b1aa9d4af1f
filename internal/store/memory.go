package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// InMemoryStore is a simple in-memory store, used in tests and for ephemeral runs.
type InMemoryStore struct {
	mu        sync.RWMutex
	profiles  map[string]models.Profile
	tasks     map[string]models.Task
	responses map[string][]models.SMSResponse // by profile id
	inbound   map[string]InboundRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:  make(map[string]models.Profile),
		tasks:     make(map[string]models.Task),
		responses: make(map[string][]models.SMSResponse),
		inbound:   make(map[string]InboundRecord),
	}
}

func (s *InMemoryStore) SaveProfile(p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetProfile(id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ListProfiles(ownerID string) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Profile
	for _, p := range s.profiles {
		if ownerID == "" || p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateProfileStatus(id string, status models.ProfileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	p.Status = status
	p.LastActiveAt = time.Now()
	s.profiles[id] = p
	return nil
}

func (s *InMemoryStore) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
	delete(s.responses, id)
	for tid, t := range s.tasks {
		if t.ProfileID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *InMemoryStore) SaveTask(t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetTask(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) ListTasks(profileID string) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.ProfileID == profileID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListActiveTasks() ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveResponse(r models.SMSResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ProfileID] = append(s.responses[r.ProfileID], r)
	return nil
}

func (s *InMemoryStore) ListResponses(profileID string) ([]models.SMSResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.responses[profileID]
	out := make([]models.SMSResponse, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) RecordInbound(reply models.InboundReply) (bool, error) {
	if reply.MessageID == "" {
		return false, ErrMissingMessageID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[reply.MessageID]; ok {
		return rec.ProcessedAt == nil || rec.Outcome == OutcomeRejected, nil
	}
	received := reply.Received
	if received.IsZero() {
		received = time.Now()
	}
	s.inbound[reply.MessageID] = InboundRecord{
		MessageID:  reply.MessageID,
		Sender:     reply.From,
		HasMedia:   len(reply.MediaURLs) > 0,
		ReceivedAt: received,
	}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID, outcome string, expID models.ExpectationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.Outcome = outcome
	rec.ExpectationID = expID
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) GetInbound(messageID string) (*InboundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			pruned++
		}
	}
	return pruned, nil
}
