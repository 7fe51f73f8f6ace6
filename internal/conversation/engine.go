// Package conversation implements the per-user conversation state machine.
//
// Every inbound direct message is dispatched here: the engine tracks
// muted/stopped/active status per user, routes phone numbers to the
// order capture workflow, asks the completion gateway for replies, and
// arms the follow-up nudge.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avazbek-dev/chatrelay/internal/history"
	"github.com/avazbek-dev/chatrelay/internal/messaging"
	"github.com/avazbek-dev/chatrelay/internal/models"
)

// CompletionGateway produces a reply for a user's message.
type CompletionGateway interface {
	Complete(ctx context.Context, userID, text string) (string, error)
}

// OrderCapturer records a captured phone number and notifies the operator.
type OrderCapturer interface {
	CapturePhone(ctx context.Context, userID, senderName, phoneNumber string, sender messaging.Sender) error
}

// FollowupScheduler arms and cancels the per-user delayed nudge.
type FollowupScheduler interface {
	Arm(userID string, sender messaging.Sender)
	Cancel(userID string)
}

// Engine is the per-user conversation state machine. State is keyed
// purely by user id and shared across all sessions, matching the
// observed design.
type Engine struct {
	history   *history.Store
	gateway   CompletionGateway
	orders    OrderCapturer
	followups FollowupScheduler

	// ignored is externally configured and immutable at runtime.
	ignored map[string]struct{}

	// mu guards stopped and userLocks.
	mu        sync.Mutex
	stopped   map[string]struct{}
	userLocks map[string]*sync.Mutex
}

// NewEngine creates a conversation engine. The ignored list comes from
// configuration and cannot change at runtime.
func NewEngine(hist *history.Store, gateway CompletionGateway, orders OrderCapturer, ignoredUsers []string) *Engine {
	ignored := make(map[string]struct{}, len(ignoredUsers))
	for _, id := range ignoredUsers {
		if id != "" {
			ignored[id] = struct{}{}
		}
	}
	return &Engine{
		history:   hist,
		gateway:   gateway,
		orders:    orders,
		ignored:   ignored,
		stopped:   make(map[string]struct{}),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// BindFollowups attaches the follow-up scheduler. The scheduler needs
// the engine's stopped check, so it is constructed after the engine.
func (e *Engine) BindFollowups(s FollowupScheduler) {
	e.followups = s
}

// Ignored reports whether the user is on the configured ignore list.
func (e *Engine) Ignored(userID string) bool {
	_, ok := e.ignored[userID]
	return ok
}

// Stopped reports whether the user has disabled replies via /stop.
func (e *Engine) Stopped(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.stopped[userID]
	return ok
}

// userLock returns the per-user mutex, creating it on first use.
// Holding it for the whole handler body serializes two in-flight
// messages from the same user; different users interleave freely.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.userLocks[userID] = lock
	}
	return lock
}

// HandleMessage runs one inbound direct message through the state
// machine. Replies route back through sender, the session that
// received the message.
func (e *Engine) HandleMessage(ctx context.Context, msg models.IncomingMessage, sender messaging.Sender) error {
	// The ignore list is checked before any other branch; ignored
	// users never acquire state.
	if e.Ignored(msg.From) {
		slog.Debug("Message from ignored user dropped", "user", msg.From, "session", msg.SessionID)
		return nil
	}

	lock := e.userLock(msg.From)
	lock.Lock()
	defer lock.Unlock()

	switch msg.Body {
	case models.CommandStart:
		e.reactivate(msg.From)
		return nil
	case models.CommandStop:
		e.deactivate(msg.From)
		return nil
	}

	if e.Stopped(msg.From) {
		slog.Debug("Message from stopped user dropped", "user", msg.From)
		return nil
	}

	// New activity supersedes any pending nudge.
	if e.followups != nil {
		e.followups.Cancel(msg.From)
	}

	if msg.Contact != nil && msg.Contact.PhoneNumber != "" {
		senderName := msg.SenderName
		if senderName == "" {
			senderName = msg.Contact.DisplayName
		}
		return e.orders.CapturePhone(ctx, msg.From, senderName, msg.Contact.PhoneNumber, sender)
	}
	if models.IsPhoneNumber(msg.Body) {
		return e.orders.CapturePhone(ctx, msg.From, msg.SenderName, msg.Body, sender)
	}

	if msg.Body == "" {
		slog.Debug("Empty message body dropped", "user", msg.From, "session", msg.SessionID)
		return nil
	}

	e.history.Append(msg.From, models.RoleUser, msg.Body)

	reply, err := e.gateway.Complete(ctx, msg.From, msg.Body)
	if err != nil {
		return fmt.Errorf("completion failed for user %s: %w", msg.From, err)
	}
	if reply != "" {
		// The gateway already appended the reply as an assistant turn.
		if err := e.sendReply(ctx, msg.From, reply, sender); err != nil {
			slog.Error("Failed to deliver reply", "error", err, "user", msg.From, "session", msg.SessionID)
		}
	}

	if e.followups != nil {
		e.followups.Arm(msg.From, sender)
	}
	return nil
}

func (e *Engine) sendReply(ctx context.Context, userID, reply string, sender messaging.Sender) error {
	return sender.SendMessage(ctx, userID, reply)
}

// reactivate handles /start: a stopped user becomes active again.
// No reply is sent either way.
func (e *Engine) reactivate(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stopped[userID]; ok {
		delete(e.stopped, userID)
		slog.Info("Bot reactivated for user", "user", userID)
	}
}

// deactivate handles /stop: the user stops receiving replies and any
// pending follow-up is cancelled. No reply is sent.
func (e *Engine) deactivate(userID string) {
	e.mu.Lock()
	e.stopped[userID] = struct{}{}
	e.mu.Unlock()

	if e.followups != nil {
		e.followups.Cancel(userID)
	}
	slog.Info("Bot deactivated for user", "user", userID)
}
