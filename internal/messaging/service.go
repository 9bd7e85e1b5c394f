// Package messaging connects chat platforms to the triage engine.
//
// A Service delivers replies and emits inbound messages; the TurnDispatcher
// reads them, runs commands or triage turns, and sends the answer back.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Channel configuration shared by the services.
const (
	// DefaultChannelBufferSize defines the buffer size for inbound and receipt channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel send before the event is dropped
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of delivery events for sent messages.
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of messages received from users.
	Inbound() <-chan models.InboundMessage
}
