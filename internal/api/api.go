// Package api provides the HTTP surface of CareNudge.
//
// It exposes profile and task management, confirmation and reminder requests, the
// response gallery, reply injection, the Twilio webhook, a websocket stream of state
// change events and the ops endpoints. Run wires every module into one process.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/confirmation"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/store"
)

// DefaultRequestTimeout bounds a single API request, including any outbound send.
const DefaultRequestTimeout = 30 * time.Second

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20

// Planner keeps task reminders scheduled.
type Planner interface {
	Register(task models.Task) error
	Unregister(taskID string)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPlanner sets the reminder planner updated when tasks change.
func WithPlanner(p Planner) ServerOption {
	return func(s *Server) {
		s.planner = p
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook handler.
func WithTwilioWebhook(h http.HandlerFunc) ServerOption {
	return func(s *Server) {
		s.twilioWebhook = h
	}
}

// WithMetricsHandler mounts the Prometheus scrape handler.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithServerClock sets the clock used for timestamps and default occurrences.
func WithServerClock(c clock.Clock) ServerOption {
	return func(s *Server) {
		s.clock = c
	}
}

// Server serves the CareNudge API.
type Server struct {
	svc     *confirmation.Service
	st      store.Store
	planner Planner
	clock   clock.Clock

	twilioWebhook http.HandlerFunc
	metrics       http.Handler
	upgrader      websocket.Upgrader
}

// NewServer creates a Server backed by svc and st.
func NewServer(svc *confirmation.Service, st store.Store, opts ...ServerOption) *Server {
	s := &Server{
		svc:   svc,
		st:    st,
		clock: clock.Real(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	// The event stream is long-lived, so it sits outside the request timeout.
	r.Get("/events", s.eventsHandler)
	if s.twilioWebhook != nil {
		r.Post("/webhooks/twilio", s.twilioWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultRequestTimeout))

		r.Route("/profiles", func(r chi.Router) {
			r.Post("/", s.createProfileHandler)
			r.Get("/", s.listProfilesHandler)
			r.Route("/{profileID}", func(r chi.Router) {
				r.Get("/", s.getProfileHandler)
				r.Delete("/", s.deleteProfileHandler)
				r.Post("/confirmation", s.requestConfirmationHandler)
				r.Post("/tasks", s.createTaskHandler)
				r.Get("/tasks", s.listTasksHandler)
				r.Get("/responses", s.listResponsesHandler)
			})
		})
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Put("/", s.updateTaskHandler)
			r.Delete("/", s.deleteTaskHandler)
			r.Post("/reminders", s.requestReminderHandler)
		})
		r.Post("/replies", s.replyHandler)
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"open_expectations": len(s.svc.OpenExpectations()),
		"subscribers":       s.svc.Broadcaster().SubscriberCount(),
	}))
}
