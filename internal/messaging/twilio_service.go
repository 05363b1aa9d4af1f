package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/twiliosms"
)

// twimlEmpty acknowledges a webhook without sending a reply message.
const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// MaxInboundMedia caps how many MediaUrlN fields are read from one webhook.
const MaxInboundMedia = 10

// TwilioOption defines a configuration option for the TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not match
// the auth token for the public webhook URL.
func WithSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		rv := twilioclient.NewRequestValidator(authToken)
		s.validator = &rv
		s.webhookURL = webhookURL
	}
}

// TwilioService implements Service with Twilio SMS: sends go through the REST API
// and replies arrive on the inbound webhook.
type TwilioService struct {
	client     twiliosms.Sender
	validator  *twilioclient.RequestValidator
	webhookURL string
	inbox
}

// NewTwilioService creates a TwilioService around client (real or mock).
func NewTwilioService(client twiliosms.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, inbox: newInbox()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start is a no-op; replies arrive through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Responses channel.
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends an SMS and returns the message SID.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return s.client.SendMessage(ctx, to, body)
}

// Responses returns the channel of inbound replies.
func (s *TwilioService) Responses() <-chan models.InboundReply {
	return s.responses
}

// WebhookHandler handles Twilio's inbound message webhook. It parses sender, body
// and media and emits them on the Responses channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			params[key] = r.PostForm.Get(key)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	reply, err := ParseTwilioForm(r)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid payload", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService.WebhookHandler: inbound SMS", "from", reply.From, "message_id", reply.MessageID, "media", len(reply.MediaURLs))

	if !s.emit("TwilioService.WebhookHandler", reply) {
		// Twilio retries on 5xx, which gives a dropped reply a second chance.
		http.Error(w, "Busy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, twimlEmpty)
}

// ParseTwilioForm extracts an InboundReply from a parsed Twilio webhook request.
func ParseTwilioForm(r *http.Request) (models.InboundReply, error) {
	reply := models.InboundReply{
		MessageID: r.FormValue("MessageSid"),
		From:      r.FormValue("From"),
		Body:      r.FormValue("Body"),
		Received:  time.Now(),
	}
	if reply.From == "" {
		return reply, fmt.Errorf("missing From")
	}
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	if numMedia > MaxInboundMedia {
		numMedia = MaxInboundMedia
	}
	for i := 0; i < numMedia; i++ {
		if url := r.FormValue("MediaUrl" + strconv.Itoa(i)); url != "" {
			reply.MediaURLs = append(reply.MediaURLs, url)
		}
	}
	return reply, nil
}
