// Package orders implements the order capture workflow.
//
// When a phone number is detected in a conversation it is stored
// against the user, the user is acknowledged locally, and a notice is
// pushed to the human operator through the owning session.
package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avazbek-dev/chatrelay/internal/messaging"
	"github.com/avazbek-dev/chatrelay/internal/models"
	"github.com/avazbek-dev/chatrelay/internal/store"
)

// AckMessage is the bilingual local acknowledgment sent to the user as
// soon as a phone number is captured.
const AckMessage = "Telefon raqami qabul qilindi 😊.\n\nНомер телефона получен 😊."

// ForwardedMessage confirms to the user that the number went to the operator.
const ForwardedMessage = "Sizning telefon raqamingiz qabul qilindi va administratorga yuborildi 😊.\n\nВаш номер телефона был получен и отправлен администратору 😊."

// Workflow captures phone numbers and notifies the operator.
type Workflow struct {
	store    store.Store
	operator string
}

// NewWorkflow creates an order capture workflow. The operator
// destination is the fixed recipient of phone-number notices.
func NewWorkflow(s store.Store, operatorDestination string) *Workflow {
	return &Workflow{store: s, operator: operatorDestination}
}

// CapturePhone stores the phone number for the user, acknowledges the
// user, and pushes a notice to the operator. The operator push is
// at-least-once: delivery failures are logged, never retried, and never
// block the local acknowledgment.
func (w *Workflow) CapturePhone(ctx context.Context, userID, senderName, phoneNumber string, sender messaging.Sender) error {
	if phoneNumber == "" {
		return fmt.Errorf("phone number cannot be empty")
	}

	info, exists, err := w.store.GetOrder(userID)
	if err != nil {
		slog.Error("Failed to load order info", "error", err, "user", userID)
		info = models.OrderInfo{}
	}
	if !exists {
		// The display name is captured once, on first creation.
		info.Username = senderName
	}
	info.PhoneNumber = phoneNumber

	if err := w.store.SaveOrder(userID, info); err != nil {
		slog.Error("Failed to persist order info", "error", err, "user", userID)
	}
	slog.Info("Phone number captured", "user", userID, "existing_order", exists)

	// Local acknowledgment happens regardless of notification success.
	if err := sender.SendMessage(ctx, userID, AckMessage); err != nil {
		slog.Error("Failed to send capture acknowledgment", "error", err, "user", userID)
	}

	return w.notifyOperator(ctx, userID, info, sender)
}

// notifyOperator composes the human-readable notice and pushes it to
// the operator destination via the owning session.
func (w *Workflow) notifyOperator(ctx context.Context, userID string, info models.OrderInfo, sender messaging.Sender) error {
	if info.PhoneNumber == "" {
		return nil
	}
	if w.operator == "" {
		slog.Warn("No operator destination configured, skipping notice", "user", userID)
		return nil
	}

	username := info.Username
	if username == "" {
		username = "N/A"
	}
	notice := fmt.Sprintf("User @%s has provided their phone number:\nUser ID: %s\nPhone Number: %s",
		username, userID, info.PhoneNumber)

	if err := sender.SendMessage(ctx, w.operator, notice); err != nil {
		// Push notification, not request/response: log and move on.
		slog.Error("Failed to deliver operator notice", "error", err, "user", userID, "operator", w.operator)
	} else {
		slog.Info("Operator notice delivered", "user", userID, "operator", w.operator)
	}

	if err := sender.SendMessage(ctx, userID, ForwardedMessage); err != nil {
		slog.Error("Failed to send forward confirmation", "error", err, "user", userID)
	}
	return nil
}
