package expectation

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPhone = "+15551234567"

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewStore(WithClock(fake)), fake
}

func profileRequest(profileID string) OpenRequest {
	return OpenRequest{
		SubjectType: models.SubjectProfileConfirmation,
		SubjectID:   profileID,
		ProfileID:   profileID,
		PhoneNumber: testPhone,
		TTL:         time.Hour,
	}
}

func TestOpenRejectsSecondOpenForSameSubject(t *testing.T) {
	s, fake := newTestStore(t)

	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, models.ExpectationOpen, exp.Status)
	assert.Equal(t, 1, exp.Attempt)
	assert.Equal(t, fake.Now().Add(time.Hour), exp.ExpiresAt)

	_, err = s.Open(profileRequest("p1"))
	assert.True(t, errors.Is(err, ErrConflictingOpenExpectation), "got %v", err)

	require.NoError(t, s.Supersede(models.SubjectProfileConfirmation, "p1"))
	next, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	old, err := s.Get(exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExpectationExpired, old.Status)
	assert.Equal(t, models.CloseReasonSuperseded, old.CloseReason)

	open, ok := s.GetOpen(models.SubjectProfileConfirmation, "p1")
	require.True(t, ok)
	assert.Equal(t, next.ID, open.ID)
}

func TestOpenValidatesRequest(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Open(OpenRequest{SubjectType: "bogus", SubjectID: "x", PhoneNumber: testPhone})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.Open(OpenRequest{SubjectType: models.SubjectTaskResponse, SubjectID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSameIDDifferentTypesAreDistinctSubjects(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Open(profileRequest("shared"))
	require.NoError(t, err)
	_, err = s.Open(OpenRequest{SubjectType: models.SubjectTaskResponse, SubjectID: "shared", ProfileID: "shared", PhoneNumber: testPhone})
	require.NoError(t, err)
	assert.Len(t, s.FindOpenByPhone(testPhone), 2)
}

func TestAtMostOneOpenUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	subjects := []string{"p1", "p2", "p3"}

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				subject := subjects[r.Intn(len(subjects))]
				switch r.Intn(4) {
				case 0:
					_, _ = s.Open(profileRequest(subject))
				case 1:
					_ = s.Supersede(models.SubjectProfileConfirmation, subject)
				case 2:
					if exp, ok := s.GetOpen(models.SubjectProfileConfirmation, subject); ok {
						_ = s.Resolve(exp.ID)
					}
				case 3:
					if exp, ok := s.GetOpen(models.SubjectProfileConfirmation, subject); ok {
						_ = s.Expire(exp.ID)
					}
				}
			}
		}(int64(w))
	}
	wg.Wait()

	counts := map[string]int{}
	s.mu.RLock()
	for _, exp := range s.byID {
		if exp.IsOpen() {
			counts[exp.SubjectID]++
		}
	}
	s.mu.RUnlock()
	for subject, n := range counts {
		assert.LessOrEqual(t, n, 1, "subject %s has %d open expectations", subject, n)
	}
	assert.Equal(t, 0, s.locks.size(), "subject locks must be released")
}

func TestResolveIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	require.NoError(t, s.Resolve(exp.ID))
	first, _ := s.Get(exp.ID)
	require.NoError(t, s.Resolve(exp.ID))
	second, _ := s.Get(exp.ID)

	assert.Equal(t, models.ExpectationResolved, second.Status)
	assert.Equal(t, first, second)
	assert.Empty(t, s.FindOpenByPhone(testPhone))
}

func TestResolveUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Resolve("exp_missing"), ErrExpectationNotFound)
	assert.ErrorIs(t, s.Expire("exp_missing"), ErrExpectationNotFound)
}

func TestExpireIsNoOpAfterResolve(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	require.NoError(t, s.Resolve(exp.ID))
	require.NoError(t, s.Expire(exp.ID))

	got, _ := s.Get(exp.ID)
	assert.Equal(t, models.ExpectationResolved, got.Status)
}

func TestResolveAfterTimeoutWins(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	require.NoError(t, s.Expire(exp.ID))
	require.NoError(t, s.Resolve(exp.ID))

	got, _ := s.Get(exp.ID)
	assert.Equal(t, models.ExpectationResolved, got.Status)
	assert.Equal(t, models.CloseReasonAnswered, got.CloseReason)
}

func TestResolveSupersededFails(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)
	require.NoError(t, s.Supersede(models.SubjectProfileConfirmation, "p1"))

	assert.ErrorIs(t, s.Resolve(exp.ID), ErrExpectationClosed)
}

func TestResolveWinsRaceAgainstExpire(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 500; i++ {
		exp, err := s.Open(profileRequest(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_ = s.Expire(exp.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_ = s.Resolve(exp.ID)
		}()
		close(start)
		wg.Wait()

		got, err := s.Get(exp.ID)
		require.NoError(t, err)
		require.Equal(t, models.ExpectationResolved, got.Status, "iteration %d", i)
	}
}

func TestSettleFirstWins(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	calls := 0
	got, settled, err := s.Settle(exp.ID, models.ExpectationResolved, models.CloseReasonAnswered, func(models.PendingExpectation) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, models.ExpectationResolved, got.Status)

	got, settled, err = s.Settle(exp.ID, models.ExpectationExpired, models.CloseReasonTimeout, func(models.PendingExpectation) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, models.ExpectationResolved, got.Status)
	assert.Equal(t, 1, calls)
}

func TestSettleErrorLeavesOpen(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, settled, err := s.Settle(exp.ID, models.ExpectationResolved, models.CloseReasonAnswered, func(models.PendingExpectation) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, settled)

	got, _ := s.Get(exp.ID)
	assert.True(t, got.IsOpen())
}

func TestSettleExactlyOnceUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, reason := models.ExpectationResolved, models.CloseReasonAnswered
			if i%2 == 0 {
				status, reason = models.ExpectationExpired, models.CloseReasonTimeout
			}
			_, _, _ = s.Settle(exp.ID, status, reason, func(models.PendingExpectation) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestReissue(t *testing.T) {
	s, fake := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)

	fake.Advance(time.Hour)
	next, err := s.Reissue(exp.ID, 2*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, exp.ID, next.ID)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, fake.Now(), next.IssuedAt)
	assert.Equal(t, fake.Now().Add(2*time.Hour), next.ExpiresAt)

	old, _ := s.Get(exp.ID)
	assert.Equal(t, models.CloseReasonSuperseded, old.CloseReason)

	_, err = s.Reissue(exp.ID, time.Hour)
	assert.ErrorIs(t, err, ErrExpectationClosed)
}

func TestFindOpenByPhoneAndProfile(t *testing.T) {
	s, fake := newTestStore(t)
	conf, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)
	fake.Advance(time.Minute)
	task, err := s.Open(OpenRequest{SubjectType: models.SubjectTaskResponse, SubjectID: "t1", ProfileID: "p1", PhoneNumber: testPhone})
	require.NoError(t, err)
	_, err = s.Open(OpenRequest{SubjectType: models.SubjectTaskResponse, SubjectID: "t9", ProfileID: "p9", PhoneNumber: "+15550000000"})
	require.NoError(t, err)

	byPhone := s.FindOpenByPhone(testPhone)
	require.Len(t, byPhone, 2)
	assert.Equal(t, conf.ID, byPhone[0].ID)
	assert.Equal(t, task.ID, byPhone[1].ID)

	assert.Len(t, s.FindOpenByProfile("p1"), 2)
	assert.Empty(t, s.FindOpenByPhone("+15559999999"))

	require.NoError(t, s.Resolve(task.ID))
	assert.Len(t, s.FindOpenByPhone(testPhone), 1)
	assert.Len(t, s.ListOpen(), 2)
}

func TestSetMessageRef(t *testing.T) {
	s, _ := newTestStore(t)
	exp, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)
	require.NoError(t, s.SetMessageRef(exp.ID, "SM123"))
	got, _ := s.Get(exp.ID)
	assert.Equal(t, "SM123", got.MessageRef)
	assert.ErrorIs(t, s.SetMessageRef("exp_missing", "x"), ErrExpectationNotFound)
}

func TestPrune(t *testing.T) {
	s, fake := newTestStore(t)
	closed, err := s.Open(profileRequest("p1"))
	require.NoError(t, err)
	require.NoError(t, s.Resolve(closed.ID))
	_, err = s.Open(profileRequest("p2"))
	require.NoError(t, err)

	fake.Advance(48 * time.Hour)
	removed := s.Prune(fake.Now().Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(closed.ID)
	assert.ErrorIs(t, err, ErrExpectationNotFound)
}
