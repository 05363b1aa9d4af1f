// Package confirmation is the entry point of the correlation core. It sends
// confirmation requests and task reminders, opens the expectations they create,
// routes inbound replies to the correlation engine and fans state changes out to
// subscribers.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareNudge/internal/broadcast"
	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/correlate"
	"github.com/BTreeMap/CareNudge/internal/expectation"
	"github.com/BTreeMap/CareNudge/internal/flow"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
	"github.com/BTreeMap/CareNudge/internal/retry"
	"github.com/BTreeMap/CareNudge/internal/store"
)

// Sentinel errors returned by Service.
var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskNotActive       = errors.New("task is not active")
	ErrRemindersSuppressed = errors.New("profile declined or failed confirmation; reminders are suppressed")
	ErrProfileNotConfirmed = errors.New("profile has not confirmed SMS reminders")
	ErrSendFailed          = errors.New("message send failed")
)

// reasonNextOccurrence is the event reason of an occurrence closed by the next one.
const reasonNextOccurrence = "next occurrence started"

// Sender delivers one SMS and returns the transport message reference.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// Observer receives every countable outcome of the service.
type Observer interface {
	correlate.Observer
	retry.Observer
	ObserveSend(kind models.MessageKind, err error)
}

// Opts holds configuration options for the Service.
type Opts struct {
	Clock           clock.Clock
	Normalizer      *phone.Normalizer
	Generator       flow.Generator
	Broadcaster     *broadcast.Broadcaster
	Observer        Observer
	Policies        map[models.SubjectType]retry.Policy
	Acknowledgments bool
}

// Option defines a configuration option for the Service.
type Option func(*Opts)

// WithClock sets the clock for expectations, events and retry timers.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) {
		o.Clock = c
	}
}

// WithNormalizer sets the phone normalizer.
func WithNormalizer(n *phone.Normalizer) Option {
	return func(o *Opts) {
		o.Normalizer = n
	}
}

// WithGenerator sets the message body generator. The flow registry is used by default.
func WithGenerator(g flow.Generator) Option {
	return func(o *Opts) {
		o.Generator = g
	}
}

// WithBroadcaster sets the event broadcaster.
func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(o *Opts) {
		o.Broadcaster = b
	}
}

// WithObserver sets the outcome observer, typically the Prometheus metrics.
func WithObserver(obs Observer) Option {
	return func(o *Opts) {
		o.Observer = obs
	}
}

// WithPolicy sets the retry policy for one subject type.
func WithPolicy(subjectType models.SubjectType, p retry.Policy) Option {
	return func(o *Opts) {
		o.Policies[subjectType] = p
	}
}

// WithAcknowledgments enables or disables the short reply sent after a transition.
func WithAcknowledgments(enabled bool) Option {
	return func(o *Opts) {
		o.Acknowledgments = enabled
	}
}

// Service coordinates outbound requests and inbound replies.
type Service struct {
	store      store.Store
	outbox     store.OutboxRepo
	sender     Sender
	clock      clock.Clock
	normalizer *phone.Normalizer
	generator  flow.Generator
	observer   Observer
	sendAcks   bool

	expectations *expectation.Store
	dispatcher   *flow.Dispatcher
	events       *broadcast.Broadcaster
	retries      *retry.Scheduler
	engine       *correlate.Engine
}

// NewService wires the correlation core around st and sender. If st also implements
// store.OutboxRepo, acknowledgments go through the durable outbox.
func NewService(st store.Store, sender Sender, opts ...Option) *Service {
	cfg := Opts{
		Clock:           clock.Real(),
		Policies:        make(map[models.SubjectType]retry.Policy),
		Acknowledgments: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = phone.NewNormalizer()
	}
	if cfg.Generator == nil {
		cfg.Generator = registryGenerator{}
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = broadcast.New()
	}

	s := &Service{
		store:        st,
		sender:       sender,
		clock:        cfg.Clock,
		normalizer:   cfg.Normalizer,
		generator:    cfg.Generator,
		observer:     cfg.Observer,
		sendAcks:     cfg.Acknowledgments,
		expectations: expectation.NewStore(expectation.WithClock(cfg.Clock)),
		dispatcher:   flow.NewDispatcher(st, flow.WithDispatcherClock(cfg.Clock)),
		events:       cfg.Broadcaster,
	}
	if outbox, ok := st.(store.OutboxRepo); ok {
		s.outbox = outbox
	}

	retryOpts := []retry.Option{retry.WithClock(cfg.Clock)}
	for subjectType, p := range cfg.Policies {
		retryOpts = append(retryOpts, retry.WithPolicy(subjectType, p))
	}
	engineOpts := []correlate.Option{}
	if cfg.Observer != nil {
		retryOpts = append(retryOpts, retry.WithObserver(cfg.Observer))
		engineOpts = append(engineOpts, correlate.WithObserver(cfg.Observer))
	}
	s.retries = retry.NewScheduler(s.expectations, s, s.dispatcher, s.events, retryOpts...)
	engineOpts = append(engineOpts, correlate.WithRetryCanceler(s.retries))
	s.engine = correlate.NewEngine(s.normalizer, s.expectations, s.dispatcher, s.events, engineOpts...)
	return s
}

// Normalizer returns the phone normalizer shared with the correlation engine.
func (s *Service) Normalizer() *phone.Normalizer { return s.normalizer }

// Subscribe registers a new event subscriber. Close the subscription when done.
func (s *Service) Subscribe() *broadcast.Subscription {
	return s.events.Subscribe()
}

// Broadcaster returns the event broadcaster.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.events }

// OpenExpectations returns a snapshot of every open expectation.
func (s *Service) OpenExpectations() []models.PendingExpectation {
	return s.expectations.ListOpen()
}

// RequestProfileConfirmation (re)starts the confirmation flow of a profile: the
// profile returns to pending, older expectations are closed, a new one is opened and
// the confirmation request is sent.
func (s *Service) RequestProfileConfirmation(ctx context.Context, profileID string) (models.PendingExpectation, error) {
	profile, err := s.loadProfile(profileID)
	if err != nil {
		return models.PendingExpectation{}, err
	}
	number, err := s.normalizer.Normalize(profile.PhoneNumber)
	if err != nil {
		return models.PendingExpectation{}, fmt.Errorf("profile %s phone: %w", profileID, err)
	}

	// Task reminders only make sense for a confirmed profile.
	for _, open := range s.expectations.FindOpenByProfile(profileID) {
		s.close(open.SubjectType, open.SubjectID, models.CloseReasonSuperseded)
	}
	if err := s.dispatcher.Restart(profile); err != nil {
		return models.PendingExpectation{}, err
	}

	exp, err := s.expectations.Open(expectation.OpenRequest{
		SubjectType: models.SubjectProfileConfirmation,
		SubjectID:   profile.ID,
		ProfileID:   profile.ID,
		PhoneNumber: number.String(),
		TTL:         s.retries.Policy(models.SubjectProfileConfirmation).Interval,
	})
	if err != nil {
		return models.PendingExpectation{}, fmt.Errorf("open confirmation for %s: %w", profileID, err)
	}
	s.events.Publish(s.dispatcher.Event(exp, models.SubjectState(models.ProfileStatusPending), "confirmation requested", nil))

	msg := models.OutboundMessage{
		Kind:          models.MessageConfirmationRequest,
		To:            number.String(),
		RecipientName: profile.DisplayName,
		Relationship:  profile.Relationship,
		Attempt:       exp.Attempt,
	}
	if err := s.sendFor(ctx, exp, msg); err != nil {
		return exp, err
	}
	slog.Info("Service.RequestProfileConfirmation: confirmation requested", "profileID", profile.ID, "expectationID", exp.ID)
	return s.current(exp), nil
}

// RequestTaskReminder sends the reminder for one occurrence of a task. An earlier
// occurrence still awaiting a reply is closed as missed first.
func (s *Service) RequestTaskReminder(ctx context.Context, taskID string, occurrence time.Time) (models.PendingExpectation, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.PendingExpectation{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return models.PendingExpectation{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != models.TaskStatusActive {
		return models.PendingExpectation{}, fmt.Errorf("%w: %s is %s", ErrTaskNotActive, taskID, task.Status)
	}
	profile, err := s.loadProfile(task.ProfileID)
	if err != nil {
		return models.PendingExpectation{}, err
	}
	switch {
	case profile.Status.SuppressesReminders():
		return models.PendingExpectation{}, fmt.Errorf("%w: profile %s is %s", ErrRemindersSuppressed, profile.ID, profile.Status)
	case profile.Status != models.ProfileStatusConfirmed:
		return models.PendingExpectation{}, fmt.Errorf("%w: profile %s", ErrProfileNotConfirmed, profile.ID)
	}
	number, err := s.normalizer.Normalize(profile.PhoneNumber)
	if err != nil {
		return models.PendingExpectation{}, fmt.Errorf("profile %s phone: %w", profile.ID, err)
	}
	if occurrence.IsZero() {
		occurrence = s.clock.Now()
	}

	if prior, ok := s.expectations.GetOpen(models.SubjectTaskResponse, task.ID); ok {
		s.retries.Cancel(prior.ID)
		s.terminate(ctx, prior, reasonNextOccurrence)
	}

	exp, err := s.expectations.Open(expectation.OpenRequest{
		SubjectType:  models.SubjectTaskResponse,
		SubjectID:    task.ID,
		ProfileID:    profile.ID,
		PhoneNumber:  number.String(),
		OccurrenceAt: occurrence,
		TTL:          s.retries.Policy(models.SubjectTaskResponse).Interval,
	})
	if err != nil {
		return models.PendingExpectation{}, fmt.Errorf("open reminder for task %s: %w", taskID, err)
	}
	s.events.Publish(s.dispatcher.Event(exp, models.TaskStateAwaiting, "reminder sent", nil))

	msg := models.OutboundMessage{
		Kind:          models.MessageTaskReminder,
		To:            number.String(),
		RecipientName: profile.DisplayName,
		Relationship:  profile.Relationship,
		TaskTitle:     task.Title,
		RequiresPhoto: task.RequiresPhoto,
		RequiresText:  task.RequiresText,
		Attempt:       exp.Attempt,
	}
	if err := s.sendFor(ctx, exp, msg); err != nil {
		return exp, err
	}
	slog.Info("Service.RequestTaskReminder: reminder sent", "taskID", task.ID, "profileID", profile.ID, "occurrence", occurrence, "expectationID", exp.ID)
	return s.current(exp), nil
}

// Resend re-sends the request behind exp. It is called by the retry scheduler with
// the reissued expectation.
func (s *Service) Resend(ctx context.Context, exp models.PendingExpectation) (string, error) {
	profile, err := s.loadProfile(exp.ProfileID)
	if err != nil {
		return "", err
	}
	msg := models.OutboundMessage{
		To:            exp.PhoneNumber,
		RecipientName: profile.DisplayName,
		Relationship:  profile.Relationship,
		Attempt:       exp.Attempt,
	}
	switch exp.SubjectType {
	case models.SubjectProfileConfirmation:
		msg.Kind = models.MessageConfirmationRequest
	case models.SubjectTaskResponse:
		task, err := s.store.GetTask(exp.SubjectID)
		if err != nil {
			return "", fmt.Errorf("load task %s: %w", exp.SubjectID, err)
		}
		if task == nil {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, exp.SubjectID)
		}
		msg.Kind = models.MessageTaskReminder
		msg.TaskTitle = task.Title
		msg.RequiresPhoto = task.RequiresPhoto
		msg.RequiresText = task.RequiresText
	default:
		return "", fmt.Errorf("%w: unknown subject type %q", expectation.ErrInvalidRequest, exp.SubjectType)
	}
	return s.send(ctx, msg)
}

// Cancel closes the subject's open expectation without emitting a state change.
func (s *Service) Cancel(ctx context.Context, subjectType models.SubjectType, subjectID string) error {
	if !models.IsValidSubjectType(subjectType) {
		return fmt.Errorf("%w: unknown subject type %q", expectation.ErrInvalidRequest, subjectType)
	}
	if exp, ok := s.close(subjectType, subjectID, models.CloseReasonCanceled); ok {
		slog.Info("Service.Cancel: expectation canceled", "expectationID", exp.ID, "subject", exp.SubjectKey().String())
	}
	return nil
}

// CancelProfile cancels every open expectation belonging to a profile, along with
// acknowledgments still waiting in the outbox.
func (s *Service) CancelProfile(ctx context.Context, profileID string) int {
	canceled := 0
	for _, open := range s.expectations.FindOpenByProfile(profileID) {
		if _, ok := s.close(open.SubjectType, open.SubjectID, models.CloseReasonCanceled); ok {
			canceled++
		}
	}
	if canceled > 0 {
		slog.Info("Service.CancelProfile: expectations canceled", "profileID", profileID, "count", canceled)
	}
	if s.outbox != nil {
		if n, err := s.outbox.CancelProfileOutbox(profileID); err != nil {
			slog.Warn("Service.CancelProfile: outbox cancel failed", "profileID", profileID, "error", err)
		} else if n > 0 {
			slog.Info("Service.CancelProfile: queued messages canceled", "profileID", profileID, "count", n)
		}
	}
	return canceled
}

// HandleInbound correlates one inbound reply and, when it changed state, sends the
// acknowledgment. Unmatched replies get no answer.
func (s *Service) HandleInbound(ctx context.Context, reply models.InboundReply) (correlate.Result, error) {
	if reply.Received.IsZero() {
		reply.Received = s.clock.Now()
	}
	result, err := s.engine.Correlate(ctx, reply)
	if err != nil {
		return result, err
	}
	if result.Event != nil && s.sendAcks {
		s.acknowledge(ctx, result)
	}
	return result, nil
}

// Rearm reopens the confirmation expectation of a pending profile without sending
// anything, so replies to a request sent before a restart still correlate.
func (s *Service) Rearm(profile models.Profile) (models.PendingExpectation, error) {
	if profile.Status != models.ProfileStatusPending {
		return models.PendingExpectation{}, fmt.Errorf("%w: profile %s is %s", expectation.ErrInvalidRequest, profile.ID, profile.Status)
	}
	number, err := s.normalizer.Normalize(profile.PhoneNumber)
	if err != nil {
		return models.PendingExpectation{}, fmt.Errorf("profile %s phone: %w", profile.ID, err)
	}
	exp, err := s.expectations.Open(expectation.OpenRequest{
		SubjectType: models.SubjectProfileConfirmation,
		SubjectID:   profile.ID,
		ProfileID:   profile.ID,
		PhoneNumber: number.String(),
		TTL:         s.retries.Policy(models.SubjectProfileConfirmation).Interval,
	})
	if err != nil {
		return models.PendingExpectation{}, err
	}
	s.retries.Schedule(exp)
	return exp, nil
}

// Prune drops expectations closed before the cutoff.
func (s *Service) Prune(before time.Time) int {
	return s.expectations.Prune(before)
}

// DeliverOutbox sends one queued outbox message. It is the send function of the
// store's OutboxSender.
func (s *Service) DeliverOutbox(ctx context.Context, msg store.OutboxMessage) error {
	_, err := s.sender.SendMessage(ctx, msg.To, msg.Body)
	if s.observer != nil {
		s.observer.ObserveSend(msg.Kind, err)
	}
	return err
}

// Outbox returns the durable outbox, or nil when the store has none.
func (s *Service) Outbox() store.OutboxRepo { return s.outbox }

// Stop cancels retry timers and closes every subscription.
func (s *Service) Stop() {
	s.retries.Stop()
	s.events.Close()
}

func (s *Service) loadProfile(id string) (*models.Profile, error) {
	profile, err := s.store.GetProfile(id)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", id, err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return profile, nil
}

// sendFor sends the first request of exp and arms its retry timer. A failed send
// closes exp so nothing waits on a message that never left.
// sendFor sends the request behind a freshly opened exp. When the send fails the
// expectation is closed and subscribers, who already saw the request event, get a
// send_failed event for the same expectation.
func (s *Service) sendFor(ctx context.Context, exp models.PendingExpectation, msg models.OutboundMessage) error {
	ref, err := s.send(ctx, msg)
	if err != nil {
		if closed, ok := s.close(exp.SubjectType, exp.SubjectID, models.CloseReasonSendFailed); ok {
			state := models.TaskStateAwaiting
			if closed.SubjectType == models.SubjectProfileConfirmation {
				state = models.SubjectState(models.ProfileStatusPending)
			}
			s.events.Publish(s.dispatcher.Event(closed, state, string(models.CloseReasonSendFailed), nil))
		}
		return err
	}
	if ref != "" {
		if err := s.expectations.SetMessageRef(exp.ID, ref); err != nil {
			slog.Warn("Service.sendFor: failed to record message ref", "expectationID", exp.ID, "error", err)
		}
	}
	s.retries.Schedule(exp)
	return nil
}

func (s *Service) send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	body, err := s.generator.Generate(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("generate %s message: %w", msg.Kind, err)
	}
	ref, err := s.sender.SendMessage(ctx, msg.To, body)
	if s.observer != nil {
		s.observer.ObserveSend(msg.Kind, err)
	}
	if err != nil {
		slog.Error("Service.send: send failed", "kind", msg.Kind, "to", msg.To, "error", err)
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	slog.Debug("Service.send: message sent", "kind", msg.Kind, "to", msg.To, "ref", ref, "attempt", msg.Attempt)
	return ref, nil
}

// close closes the subject's open expectation and stops its retry timer.
func (s *Service) close(subjectType models.SubjectType, subjectID string, reason models.CloseReason) (models.PendingExpectation, bool) {
	exp, ok := s.expectations.CloseSubject(subjectType, subjectID, reason)
	if ok {
		s.retries.Cancel(exp.ID)
	}
	return exp, ok
}

// terminate settles exp as unanswered and publishes the terminal event.
func (s *Service) terminate(ctx context.Context, exp models.PendingExpectation, reason string) {
	_, settled, err := s.expectations.Settle(exp.ID, models.ExpectationExpired, models.CloseReasonTimeout, func(open models.PendingExpectation) error {
		ev, err := s.dispatcher.Terminate(ctx, open, reason)
		if err != nil {
			return err
		}
		s.events.Publish(ev)
		return nil
	})
	if err != nil {
		slog.Warn("Service.terminate: terminal transition failed", "expectationID", exp.ID, "error", err)
		_ = s.expectations.Expire(exp.ID)
		return
	}
	if settled {
		slog.Info("Service.terminate: occurrence closed unanswered", "expectationID", exp.ID, "subject", exp.SubjectKey().String(), "reason", reason)
	}
}

func (s *Service) current(exp models.PendingExpectation) models.PendingExpectation {
	if latest, err := s.expectations.Get(exp.ID); err == nil {
		return latest
	}
	return exp
}

// registryGenerator renders bodies with the flow package's registered generators.
type registryGenerator struct{}

func (registryGenerator) Generate(ctx context.Context, msg models.OutboundMessage) (string, error) {
	return flow.Generate(ctx, msg)
}
