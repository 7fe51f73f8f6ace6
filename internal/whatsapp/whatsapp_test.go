package whatsapp

import (
	"context"
	"testing"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
)

// A pairing flow that ends without an authenticated identity (QR
// channel closed on timeout or error) must surface an error instead of
// letting callers dereference a nil device ID.
func TestEnsureLoggedIn(t *testing.T) {
	device := &wastore.Device{}
	client := &whatsmeow.Client{Store: device}

	if err := ensureLoggedIn(client); err == nil {
		t.Error("expected error for device without identity")
	}

	jid := types.NewJID("998901234567", types.DefaultUserServer)
	device.ID = &jid
	if err := ensureLoggedIn(client); err != nil {
		t.Errorf("expected no error for authenticated device, got %v", err)
	}
}

func TestClientJIDEmptyWhenUnauthenticated(t *testing.T) {
	c := &Client{}
	if got := c.JID(); got != "" {
		t.Errorf("expected empty JID for nil client, got %q", got)
	}
	c = &Client{waClient: &whatsmeow.Client{Store: &wastore.Device{}}}
	if got := c.JID(); got != "" {
		t.Errorf("expected empty JID before login, got %q", got)
	}
}

func TestMockClientSendMessage(t *testing.T) {
	m := NewMockClient()
	if err := m.SendMessage(context.Background(), "998901234567", "hi"); err != nil {
		t.Errorf("mock send returned error: %v", err)
	}
}
