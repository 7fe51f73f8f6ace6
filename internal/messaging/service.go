package messaging

import (
	"context"

	"github.com/avazbek-dev/chatrelay/internal/models"
)

// Sender is the minimal outbound surface of a messaging session.
// Components that only need to send messages (follow-ups, order
// notifications) depend on this rather than the full Service.
type Sender interface {
	// SendMessage sends a text message to a user id or named destination.
	SendMessage(ctx context.Context, to string, body string) error
}

// Service defines a pluggable message delivery abstraction for one
// client session. It supports sending messages and exposes a channel
// of incoming direct messages.
type Service interface {
	Sender

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming direct messages.
	Responses() <-chan models.IncomingMessage
}
