// Package messaging abstracts the SMS transport: sending messages and receiving
// replies from care recipients.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// Constants for channel handling shared by the transports.
const (
	// DefaultChannelBufferSize is the buffer size of the inbound reply channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound reply waits for a full channel
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// SendMessage sends body to a canonical E.164 number and returns the transport
	// message reference.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Responses channel.
	Stop() error

	// Responses returns a channel of inbound replies.
	Responses() <-chan models.InboundReply
}

// inbox is the inbound reply channel shared by the transports. Emitting after
// close is a no-op.
type inbox struct {
	responses chan models.InboundReply
	mu        sync.RWMutex
	stopped   bool
}

func newInbox() inbox {
	return inbox{responses: make(chan models.InboundReply, DefaultChannelBufferSize)}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit delivers reply, dropping it if the channel stays full past the timeout.
func (b *inbox) emit(component string, reply models.InboundReply) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(component+": dropping inbound reply (service stopped)", "from", reply.From)
		return false
	}
	select {
	case b.responses <- reply:
		slog.Debug(component+": inbound reply emitted", "from", reply.From, "message_id", reply.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(component+": responses channel blocked, dropping reply", "from", reply.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close marks the inbox stopped and closes the channel once.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.responses)
}
