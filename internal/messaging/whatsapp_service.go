package messaging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avazbek-dev/chatrelay/internal/models"
	"github.com/avazbek-dev/chatrelay/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the responses channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// vcardTelPattern pulls the phone number out of a vCard TEL line, e.g.
// "TEL;type=CELL;waid=998901234567:+998 90 123 45 67".
var vcardTelPattern = regexp.MustCompile(`(?m)^TEL[^:]*:(.+)$`)

// WhatsAppService implements Service for one WhatsApp session.
type WhatsAppService struct {
	sessionID string
	client    whatsapp.Sender
	waClient  *whatsapp.Client // Access to underlying client for event handling
	responses chan models.IncomingMessage
	done      chan struct{}

	// mu orders event forwarding against Stop: an event handler holds
	// the read side while sending, Stop takes the write side before
	// closing the channel, so a late event can never hit a closed one.
	mu     sync.RWMutex
	closed bool
}

// NewWhatsAppService creates a WhatsAppService for the named session.
func NewWhatsAppService(sessionID string, client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		sessionID: sessionID,
		client:    client,
		responses: make(chan models.IncomingMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling", "session", sessionID)
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)", "session", sessionID)
	}

	return service
}

// Start begins background event processing for the session.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked", "session", s.sessionID)

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started", "session", s.sessionID)
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)", "session", s.sessionID)
	}

	return nil
}

// Stop stops background processing and closes the responses channel.
// Disconnecting first stops new event deliveries; events already in
// flight drain against the closed flag and are dropped, not panicked on.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked", "session", s.sessionID)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.responses)
	slog.Info("WhatsAppService stopped", "session", s.sessionID)
	return nil
}

// SendMessage sends a message through this session's identity.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendMessage invoked", "session", s.sessionID, "to", to, "body_length", len(body))
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "session", s.sessionID, "to", to)
		return err
	}
	return nil
}

// Responses returns a channel of incoming direct messages.
func (s *WhatsAppService) Responses() <-chan models.IncomingMessage {
	return s.responses
}

// handleEvents registers the event handler and keeps it alive until the
// context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available", "session", s.sessionID)
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Ignore other event types
		}
	})

	slog.Debug("WhatsAppService event handler registered", "session", s.sessionID)

	select {
	case <-ctx.Done():
		slog.Debug("WhatsAppService handleEvents stopping due to context cancellation", "session", s.sessionID)
	case <-s.done:
		slog.Debug("WhatsAppService handleEvents stopping due to Stop", "session", s.sessionID)
	}
}

// handleIncomingMessage converts a raw event into an IncomingMessage.
// Only direct messages count: group chats and the session's own outgoing
// messages are dropped here so the conversation engine never sees them.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.IsGroup {
		slog.Debug("WhatsAppService ignoring group message", "session", s.sessionID, "chat", evt.Info.Chat.String())
		return
	}

	msg := models.IncomingMessage{
		SessionID:  s.sessionID,
		From:       evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		Time:       evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.Conversation != nil:
		msg.Body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		msg.Body = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ContactMessage != nil:
		contact := extractContact(evt.Message.ContactMessage.GetDisplayName(), evt.Message.ContactMessage.GetVcard())
		if contact == nil {
			slog.Debug("WhatsAppService contact message without phone number", "session", s.sessionID, "from", msg.From)
			return
		}
		msg.Contact = contact
	default:
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "session", s.sessionID, "from", evt.Info.Sender.String())
		return
	}

	slog.Debug("WhatsAppService processing incoming message", "session", s.sessionID, "from", msg.From, "body_length", len(msg.Body))

	// Send to responses channel (non-blocking). The read lock pins the
	// channel open for the duration of the send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		slog.Debug("WhatsAppService dropping message after Stop", "session", s.sessionID, "from", msg.From)
		return
	}
	select {
	case s.responses <- msg:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "session", s.sessionID, "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

// extractContact parses a shared contact card. Returns nil when the
// vCard carries no phone number.
func extractContact(displayName, vcard string) *models.Contact {
	m := vcardTelPattern.FindStringSubmatch(vcard)
	if m == nil {
		return nil
	}
	phone := strings.TrimSpace(m[1])
	// Keep a leading plus, strip the spacing WhatsApp inserts.
	phone = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(phone)
	if phone == "" {
		return nil
	}
	return &models.Contact{
		DisplayName: displayName,
		PhoneNumber: phone,
	}
}
