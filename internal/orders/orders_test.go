package orders

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/avazbek-dev/chatrelay/internal/store"
)

type sentMessage struct {
	to   string
	body string
}

// mockSender records messages and can fail selectively per recipient.
type mockSender struct {
	sent    []sentMessage
	failFor map[string]error
}

func (m *mockSender) SendMessage(ctx context.Context, to, body string) error {
	if err, ok := m.failFor[to]; ok {
		return err
	}
	m.sent = append(m.sent, sentMessage{to: to, body: body})
	return nil
}

func (m *mockSender) sentTo(to string) []string {
	var out []string
	for _, s := range m.sent {
		if s.to == to {
			out = append(out, s.body)
		}
	}
	return out
}

func TestCapturePhoneCreatesOrderAndNotifies(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewWorkflow(st, "admin")
	sender := &mockSender{}

	err := w.CapturePhone(context.Background(), "u1", "alisher", "+998901234567", sender)
	if err != nil {
		t.Fatalf("CapturePhone failed: %v", err)
	}

	info, ok, _ := st.GetOrder("u1")
	if !ok {
		t.Fatal("expected order info created")
	}
	if info.PhoneNumber != "+998901234567" || info.Username != "alisher" {
		t.Errorf("unexpected order info: %+v", info)
	}

	userMsgs := sender.sentTo("u1")
	if len(userMsgs) != 2 || userMsgs[0] != AckMessage || userMsgs[1] != ForwardedMessage {
		t.Errorf("unexpected user messages: %v", userMsgs)
	}

	adminMsgs := sender.sentTo("admin")
	if len(adminMsgs) != 1 {
		t.Fatalf("expected one operator notice, got %d", len(adminMsgs))
	}
	if !strings.Contains(adminMsgs[0], "u1") || !strings.Contains(adminMsgs[0], "+998901234567") {
		t.Errorf("operator notice missing user id or phone: %q", adminMsgs[0])
	}
	if !strings.Contains(adminMsgs[0], "@alisher") {
		t.Errorf("operator notice missing username: %q", adminMsgs[0])
	}
}

func TestCapturePhoneKeepsUsernameOnUpdate(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewWorkflow(st, "admin")
	sender := &mockSender{}

	if err := w.CapturePhone(context.Background(), "u1", "alisher", "901234567", sender); err != nil {
		t.Fatalf("CapturePhone failed: %v", err)
	}
	// Second capture with a different display name updates the number
	// in place but keeps the original username.
	if err := w.CapturePhone(context.Background(), "u1", "someone-else", "+998901234567", sender); err != nil {
		t.Fatalf("CapturePhone failed: %v", err)
	}

	info, _, _ := st.GetOrder("u1")
	if info.Username != "alisher" {
		t.Errorf("expected username preserved, got %q", info.Username)
	}
	if info.PhoneNumber != "+998901234567" {
		t.Errorf("expected phone updated, got %q", info.PhoneNumber)
	}
}

func TestCapturePhoneAcksDespiteOperatorFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewWorkflow(st, "admin")
	sender := &mockSender{failFor: map[string]error{"admin": errors.New("operator unreachable")}}

	err := w.CapturePhone(context.Background(), "u1", "alisher", "+998901234567", sender)
	if err != nil {
		t.Fatalf("CapturePhone must not fail on operator delivery: %v", err)
	}

	userMsgs := sender.sentTo("u1")
	if len(userMsgs) != 2 {
		t.Fatalf("expected ack and confirmation despite operator failure, got %v", userMsgs)
	}
	if userMsgs[0] != AckMessage {
		t.Errorf("expected local ack first, got %q", userMsgs[0])
	}
}

func TestCapturePhoneMissingNumberMarkedAnonymous(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewWorkflow(st, "admin")
	sender := &mockSender{}

	if err := w.CapturePhone(context.Background(), "u1", "", "+998901234567", sender); err != nil {
		t.Fatalf("CapturePhone failed: %v", err)
	}
	adminMsgs := sender.sentTo("admin")
	if len(adminMsgs) != 1 || !strings.Contains(adminMsgs[0], "@N/A") {
		t.Errorf("expected N/A username placeholder, got %v", adminMsgs)
	}
}

func TestCapturePhoneRejectsEmptyNumber(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewWorkflow(st, "admin")
	sender := &mockSender{}

	if err := w.CapturePhone(context.Background(), "u1", "alisher", "", sender); err == nil {
		t.Error("expected error for empty phone number")
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no messages for empty number, got %v", sender.sent)
	}
}
