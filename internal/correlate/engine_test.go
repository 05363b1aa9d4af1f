package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/expectation"
	"github.com/BTreeMap/CareNudge/internal/flow"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
	"github.com/BTreeMap/CareNudge/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const grandmaPhone = "+15551234567"

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StateChangeEvent
}

func (p *recordingPublisher) Publish(ev models.StateChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []models.StateChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StateChangeEvent(nil), p.events...)
}

type recordingCanceler struct {
	mu  sync.Mutex
	ids []models.ExpectationID
}

func (c *recordingCanceler) Cancel(id models.ExpectationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[Outcome]int
}

func (o *countingObserver) ObserveCorrelation(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[Outcome]int{}
	}
	o.counts[outcome]++
}

type harness struct {
	engine    *Engine
	exps      *expectation.Store
	store     *store.InMemoryStore
	publisher *recordingPublisher
	canceler  *recordingCanceler
	observer  *countingObserver
	clock     *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	st := store.NewInMemoryStore()
	require.NoError(t, st.SaveProfile(models.Profile{ID: "p1", OwnerID: "u1", DisplayName: "Rose", PhoneNumber: grandmaPhone, Status: models.ProfileStatusPending}))
	h := &harness{
		exps:      expectation.NewStore(expectation.WithClock(fake)),
		store:     st,
		publisher: &recordingPublisher{},
		canceler:  &recordingCanceler{},
		observer:  &countingObserver{},
		clock:     fake,
	}
	h.engine = NewEngine(phone.NewNormalizer(), h.exps, flow.NewDispatcher(st, flow.WithDispatcherClock(fake)), h.publisher,
		WithRetryCanceler(h.canceler), WithObserver(h.observer))
	return h
}

func (h *harness) openConfirmation(t *testing.T) models.PendingExpectation {
	t.Helper()
	exp, err := h.exps.Open(expectation.OpenRequest{SubjectType: models.SubjectProfileConfirmation, SubjectID: "p1", ProfileID: "p1", PhoneNumber: grandmaPhone})
	require.NoError(t, err)
	return exp
}

func (h *harness) openTask(t *testing.T, taskID string) models.PendingExpectation {
	t.Helper()
	exp, err := h.exps.Open(expectation.OpenRequest{SubjectType: models.SubjectTaskResponse, SubjectID: taskID, ProfileID: "p1", PhoneNumber: grandmaPhone})
	require.NoError(t, err)
	return exp
}

func TestEndToEndConfirmation(t *testing.T) {
	h := newHarness(t)
	exp := h.openConfirmation(t)

	result, err := h.engine.Correlate(context.Background(), models.InboundReply{From: "+1 555-123-4567", Body: "Yes"})
	require.NoError(t, err)

	require.NotNil(t, result.Event)
	assert.Equal(t, "p1", result.Event.SubjectID)
	assert.Equal(t, models.SubjectState(models.ProfileStatusConfirmed), result.Event.NewState)
	assert.Equal(t, models.ReplyAffirmative, result.Classification)

	got, err := h.exps.Get(exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExpectationResolved, got.Status)

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.SubjectState(models.ProfileStatusConfirmed), events[0].NewState)
	assert.Equal(t, []models.ExpectationID{exp.ID}, h.canceler.ids)

	profile, _ := h.store.GetProfile("p1")
	assert.Equal(t, models.ProfileStatusConfirmed, profile.Status)
}

func TestDisambiguationPrefersProfileConfirmation(t *testing.T) {
	h := newHarness(t)
	task := h.openTask(t, "t1")
	h.clock.Advance(time.Minute)
	conf := h.openConfirmation(t)
	h.clock.Advance(time.Minute)
	laterTask := h.openTask(t, "t2")

	result, err := h.engine.Correlate(context.Background(), models.InboundReply{From: grandmaPhone, Body: "took them"})
	require.NoError(t, err)
	assert.Equal(t, conf.ID, result.Expectation.ID)
	assert.Equal(t, models.SubjectState(models.ProfileStatusDeclined), result.Event.NewState, "free text declines consent")

	for _, id := range []models.ExpectationID{task.ID, laterTask.ID} {
		still, _ := h.exps.Get(id)
		assert.True(t, still.IsOpen(), "task expectation %s must stay open", id)
	}
}

func TestSelectLatestWithinType(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := models.PendingExpectation{ID: "exp_old", SubjectType: models.SubjectTaskResponse, IssuedAt: base}
	newer := models.PendingExpectation{ID: "exp_new", SubjectType: models.SubjectTaskResponse, IssuedAt: base.Add(time.Hour)}
	conf := models.PendingExpectation{ID: "exp_conf", SubjectType: models.SubjectProfileConfirmation, IssuedAt: base.Add(-time.Hour)}

	assert.Equal(t, models.ExpectationID("exp_new"), Select([]models.PendingExpectation{older, newer}).ID)
	assert.Equal(t, models.ExpectationID("exp_conf"), Select([]models.PendingExpectation{older, newer, conf}).ID)
	assert.Equal(t, models.ExpectationID("exp_old"), Select([]models.PendingExpectation{older}).ID)
}

func TestTaskReplyCompletesOccurrence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpdateProfileStatus("p1", models.ProfileStatusConfirmed))
	exp := h.openTask(t, "t1")

	result, err := h.engine.Correlate(context.Background(), models.InboundReply{From: grandmaPhone, Body: "no", MediaURLs: []string{"https://example.com/a.jpg"}})
	require.NoError(t, err)
	assert.Equal(t, exp.ID, result.Expectation.ID)
	assert.Equal(t, models.TaskStateCompleted, result.Event.NewState)

	responses, _ := h.store.ListResponses("p1")
	require.Len(t, responses, 1)
	assert.Equal(t, "t1", responses[0].TaskID)
	assert.Equal(t, models.ReplyNegative, responses[0].Classification)
}

func TestNoMatchIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.openConfirmation(t)

	_, err := h.engine.Correlate(context.Background(), models.InboundReply{From: "+15559876543", Body: "Yes"})
	assert.ErrorIs(t, err, ErrNoPendingExpectation)

	_, err = h.engine.Correlate(context.Background(), models.InboundReply{From: "not a number", Body: "Yes"})
	assert.ErrorIs(t, err, ErrUnrecognizedSender)
	assert.ErrorIs(t, err, phone.ErrInvalidNumberFormat)

	assert.Empty(t, h.publisher.Events())
	responses, _ := h.store.ListResponses("p1")
	assert.Empty(t, responses)
	profile, _ := h.store.GetProfile("p1")
	assert.Equal(t, models.ProfileStatusPending, profile.Status)
	assert.Equal(t, 1, h.observer.counts[OutcomeNoMatch])
	assert.Equal(t, 1, h.observer.counts[OutcomeUnrecognized])
}

func TestDuplicateDeliveryEmitsOneEvent(t *testing.T) {
	h := newHarness(t)
	h.openConfirmation(t)
	reply := models.InboundReply{MessageID: "SM1", From: grandmaPhone, Body: "yes"}

	_, err := h.engine.Correlate(context.Background(), reply)
	require.NoError(t, err)
	_, err = h.engine.Correlate(context.Background(), reply)
	assert.ErrorIs(t, err, ErrNoPendingExpectation)

	assert.Len(t, h.publisher.Events(), 1)
	responses, _ := h.store.ListResponses("p1")
	assert.Len(t, responses, 1)
}

func TestConcurrentRepliesResolveOnce(t *testing.T) {
	h := newHarness(t)
	h.openConfirmation(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved, duplicates, noMatch := 0, 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.engine.Correlate(context.Background(), models.InboundReply{From: grandmaPhone, Body: "YES"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoPendingExpectation):
				noMatch++
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case result.Duplicate:
				duplicates++
			case result.Event != nil:
				resolved++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, resolved)
	assert.Equal(t, 19, duplicates+noMatch)
	assert.Len(t, h.publisher.Events(), 1)
}

func TestLateReplyAfterExpiryIsRecordedWithoutEvent(t *testing.T) {
	h := newHarness(t)
	exp := h.openConfirmation(t)
	require.NoError(t, h.exps.Expire(exp.ID))

	result, retry, err := h.engine.settle(context.Background(), exp, models.ReplyAffirmative, models.InboundReply{From: grandmaPhone, Body: "yes"})
	require.NoError(t, err)
	assert.False(t, retry)
	assert.True(t, result.Late)
	assert.Nil(t, result.Event)
	assert.Equal(t, models.ExpectationResolved, result.Expectation.Status)
	assert.Empty(t, h.publisher.Events())

	// Only the bookkeeping record moved; the subject and gallery are untouched.
	p, err := h.store.GetProfile("p1")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileStatusPending, p.Status)
	responses, err := h.store.ListResponses("p1")
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestSupersededCandidateIsReselected(t *testing.T) {
	h := newHarness(t)
	old := h.openTask(t, "t1")
	require.NoError(t, h.store.UpdateProfileStatus("p1", models.ProfileStatusConfirmed))
	next, err := h.exps.Reissue(old.ID, time.Hour)
	require.NoError(t, err)

	_, retry, err := h.engine.settle(context.Background(), old, models.ReplyFreeText, models.InboundReply{Body: "done"})
	require.NoError(t, err)
	assert.True(t, retry, "superseded candidate must trigger a fresh lookup")

	result, err := h.engine.Correlate(context.Background(), models.InboundReply{From: grandmaPhone, Body: "done"})
	require.NoError(t, err)
	assert.Equal(t, next.ID, result.Expectation.ID)
}

func TestRejectedTransitionLeavesExpectationOpen(t *testing.T) {
	h := newHarness(t)
	exp := h.openTask(t, "t1")

	_, err := h.engine.Correlate(context.Background(), models.InboundReply{From: grandmaPhone, Body: "   "})
	assert.ErrorIs(t, err, flow.ErrNoEvidence)

	got, _ := h.exps.Get(exp.ID)
	assert.True(t, got.IsOpen())
	assert.Empty(t, h.publisher.Events())
	assert.Empty(t, h.canceler.ids)
}
