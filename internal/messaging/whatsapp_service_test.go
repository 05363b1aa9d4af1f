package messaging

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/CareNudge/internal/whatsapp"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	id, err := svc.SendMessage(context.Background(), "+15551234567", "hello")
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if id == "" {
		t.Error("expected message id")
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if response, ok := <-svc.Responses(); ok {
		t.Errorf("expected responses channel closed, got value %v", response)
	}
}

func waEvent(msg *waE2E.Message) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.ID = "3EB0ABC"
	evt.Info.Sender = types.NewJID("15551234567", types.DefaultUserServer)
	evt.Info.Timestamp = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return evt
}

func TestReplyFromWhatsApp(t *testing.T) {
	text := waEvent(&waE2E.Message{Conversation: proto.String("Yes")})
	reply, ok := ReplyFromWhatsApp(text)
	if !ok {
		t.Fatal("text message must convert")
	}
	if reply.From != "+15551234567" || reply.Body != "Yes" || reply.MessageID != "3EB0ABC" {
		t.Errorf("unexpected reply: %+v", reply)
	}

	image := waEvent(&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("done")}})
	reply, ok = ReplyFromWhatsApp(image)
	if !ok {
		t.Fatal("image message must convert")
	}
	if reply.Body != "done" || len(reply.MediaURLs) != 1 || reply.MediaURLs[0] != "whatsapp:3EB0ABC" {
		t.Errorf("unexpected image reply: %+v", reply)
	}

	extended := waEvent(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("ok")}})
	if reply, ok := ReplyFromWhatsApp(extended); !ok || reply.Body != "ok" {
		t.Errorf("extended text = %+v, %v", reply, ok)
	}

	own := waEvent(&waE2E.Message{Conversation: proto.String("Yes")})
	own.Info.IsFromMe = true
	if _, ok := ReplyFromWhatsApp(own); ok {
		t.Error("own messages must be skipped")
	}

	group := waEvent(&waE2E.Message{Conversation: proto.String("Yes")})
	group.Info.IsGroup = true
	if _, ok := ReplyFromWhatsApp(group); ok {
		t.Error("group messages must be skipped")
	}

	if _, ok := ReplyFromWhatsApp(waEvent(&waE2E.Message{})); ok {
		t.Error("empty messages must be skipped")
	}
}
