package followup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avazbek-dev/chatrelay/internal/history"
	"github.com/avazbek-dev/chatrelay/internal/models"
)

type sentMessage struct {
	to   string
	body string
}

// mockSender records outbound messages.
type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *mockSender) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{to: to, body: body})
	return nil
}

func (m *mockSender) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func notStopped(string) bool { return false }

func TestFiresNudgeWhenUserSilent(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleUser, "hello")
	hist.Append("u1", models.RoleAssistant, "hi, anything else?")

	sender := &mockSender{}
	s := NewScheduler(hist, notStopped, WithDelay(10*time.Millisecond))

	s.Arm("u1", sender)
	time.Sleep(100 * time.Millisecond)

	sent := sender.messages()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one nudge, got %d", len(sent))
	}
	if sent[0].to != "u1" || sent[0].body != NudgeMessage {
		t.Errorf("unexpected nudge: %+v", sent[0])
	}
	if s.Pending("u1") {
		t.Error("expected entry retired after firing")
	}
}

func TestSuppressedWhenUserAlreadyReplied(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleAssistant, "hi")
	hist.Append("u1", models.RoleUser, "I answered")

	sender := &mockSender{}
	s := NewScheduler(hist, notStopped, WithDelay(10*time.Millisecond))

	s.Arm("u1", sender)
	time.Sleep(100 * time.Millisecond)

	if got := len(sender.messages()); got != 0 {
		t.Errorf("expected no nudge when user replied, got %d", got)
	}
	if s.Pending("u1") {
		t.Error("expected entry retired after suppressing")
	}
}

func TestSkippedForStoppedUser(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleAssistant, "hi")

	sender := &mockSender{}
	s := NewScheduler(hist, func(userID string) bool { return userID == "u1" }, WithDelay(10*time.Millisecond))

	s.Arm("u1", sender)
	time.Sleep(100 * time.Millisecond)

	if got := len(sender.messages()); got != 0 {
		t.Errorf("expected no nudge for stopped user, got %d", got)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleAssistant, "hi")

	sender := &mockSender{}
	s := NewScheduler(hist, notStopped, WithDelay(20*time.Millisecond))

	s.Arm("u1", sender)
	s.Cancel("u1")
	// Cancelling again is a no-op, never an error.
	s.Cancel("u1")

	time.Sleep(100 * time.Millisecond)
	if got := len(sender.messages()); got != 0 {
		t.Errorf("expected no nudge after cancel, got %d", got)
	}
}

func TestArmSupersedes(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleAssistant, "hi")

	sender := &mockSender{}
	s := NewScheduler(hist, notStopped, WithDelay(20*time.Millisecond))

	s.Arm("u1", sender)
	s.Arm("u1", sender)
	s.Arm("u1", sender)

	if got := s.Len(); got != 1 {
		t.Fatalf("expected at most one armed entry per user, got %d", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := len(sender.messages()); got != 1 {
		t.Errorf("expected a single nudge after re-arming, got %d", got)
	}
}

func TestStopCancelsAll(t *testing.T) {
	hist := history.NewStore()
	hist.Append("u1", models.RoleAssistant, "hi")
	hist.Append("u2", models.RoleAssistant, "hi")

	sender := &mockSender{}
	s := NewScheduler(hist, notStopped, WithDelay(20*time.Millisecond))

	s.Arm("u1", sender)
	s.Arm("u2", sender)
	s.Stop()

	if got := s.Len(); got != 0 {
		t.Errorf("expected no armed entries after Stop, got %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(sender.messages()); got != 0 {
		t.Errorf("expected no nudges after Stop, got %d", got)
	}
}
