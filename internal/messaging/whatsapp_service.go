package messaging

import (
	"context"
	"log/slog"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // set when client is the real client, for event handling
	handlerID uint32
	inbox
}

// NewWhatsAppService creates a new WhatsAppService wrapping client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client available, skipping event handling")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop removes the event handler and closes the Responses channel.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	s.inbox.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a WhatsApp message and returns its ID.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return s.client.SendMessage(ctx, to, body)
}

// Responses returns the channel of inbound replies.
func (s *WhatsAppService) Responses() <-chan models.InboundReply {
	return s.responses
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if reply, ok := ReplyFromWhatsApp(evt); ok {
		s.emit("WhatsAppService.handleIncomingMessage", reply)
	}
}

// ReplyFromWhatsApp converts a direct text or image message into an InboundReply.
// Group chats, own messages and other message types are skipped.
func ReplyFromWhatsApp(evt *events.Message) (models.InboundReply, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundReply{}, false
	}
	reply := models.InboundReply{
		MessageID: string(evt.Info.ID),
		From:      "+" + evt.Info.Sender.User,
		Received:  evt.Info.Timestamp,
	}
	switch {
	case evt.Message.GetConversation() != "":
		reply.Body = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		reply.Body = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetImageMessage() != nil:
		reply.Body = evt.Message.GetImageMessage().GetCaption()
		// The media itself stays on WhatsApp; the message ID is the photo reference.
		reply.MediaURLs = []string{"whatsapp:" + string(evt.Info.ID)}
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", evt.Info.Sender.String())
		return models.InboundReply{}, false
	}
	return reply, true
}
