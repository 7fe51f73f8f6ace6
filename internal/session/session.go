// Package session manages the registry of messaging-client sessions.
//
// Each session is one authenticated WhatsApp identity pumping its
// inbound messages into the shared conversation engine. Session-name to
// device bindings are persisted so known sessions resume on startup.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avazbek-dev/chatrelay/internal/messaging"
	"github.com/avazbek-dev/chatrelay/internal/models"
	"github.com/avazbek-dev/chatrelay/internal/store"
)

// ServiceFactory builds the messaging service for a session. jid is the
// stored device identity; empty means a fresh login is required. It
// returns the started service plus the authenticated JID to persist.
type ServiceFactory func(ctx context.Context, name, jid string) (messaging.Service, string, error)

// MessageHandler consumes inbound messages from a session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.IncomingMessage, sender messaging.Sender) error
}

// Session is one live messaging identity.
type Session struct {
	Name string
	JID  string

	svc messaging.Service
}

// Service exposes the session's messaging service.
func (s *Session) Service() messaging.Service {
	return s.svc
}

// Registry tracks live sessions by name.
type Registry struct {
	factory ServiceFactory
	store   store.Store
	handler MessageHandler

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewRegistry creates an empty session registry.
func NewRegistry(factory ServiceFactory, st store.Store, handler MessageHandler) *Registry {
	return &Registry{
		factory:  factory,
		store:    st,
		handler:  handler,
		sessions: make(map[string]*Session),
	}
}

// Start brings up the named session. Starting an already-live session
// is a no-op returning the existing handle; no second login flow and no
// second event subscription happen.
func (r *Registry) Start(ctx context.Context, name string) (*Session, error) {
	if name == "" {
		return nil, models.ErrEmptySessionName
	}

	r.mu.Lock()
	if existing, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		slog.Debug("Session already live, reusing", "session", name)
		return existing, nil
	}
	r.mu.Unlock()

	// Resume the stored device identity when the session is known.
	jid, _, err := r.store.GetSession(name)
	if err != nil {
		slog.Error("Failed to look up stored session", "error", err, "session", name)
	}

	svc, authedJID, err := r.factory(ctx, name, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to start session %s: %w", name, err)
	}
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start messaging service for session %s: %w", name, err)
	}

	sess := &Session{Name: name, JID: authedJID, svc: svc}

	r.mu.Lock()
	if existing, ok := r.sessions[name]; ok {
		// Lost a concurrent race; keep the first one.
		r.mu.Unlock()
		if serr := svc.Stop(); serr != nil {
			slog.Error("Failed to stop duplicate session service", "error", serr, "session", name)
		}
		return existing, nil
	}
	r.sessions[name] = sess
	r.mu.Unlock()

	if authedJID != "" {
		if err := r.store.SaveSession(name, authedJID); err != nil {
			slog.Error("Failed to persist session binding", "error", err, "session", name)
		}
	}

	r.wg.Add(1)
	go r.pump(ctx, sess)

	slog.Info("Session started", "session", name, "jid", authedJID)
	return sess, nil
}

// pump drains the session's inbound messages into the handler. A panic
// in the handler kills one message, not the session.
func (r *Registry) pump(ctx context.Context, sess *Session) {
	defer r.wg.Done()
	for msg := range sess.svc.Responses() {
		r.dispatch(ctx, sess, msg)
	}
	slog.Debug("Session message pump exited", "session", sess.Name)
}

func (r *Registry) dispatch(ctx context.Context, sess *Session, msg models.IncomingMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Panic in message handler", "panic", rec, "session", sess.Name, "user", msg.From)
		}
	}()
	if err := r.handler.HandleMessage(ctx, msg, sess.svc); err != nil {
		slog.Error("Failed to handle inbound message", "error", err, "session", sess.Name, "user", msg.From)
	}
}

// Lookup returns the live session with the given name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[name]
	return sess, ok
}

// Names returns the names of all live sessions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	return names
}

// StopAll shuts down every live session. Best effort: a failure in one
// session is logged and does not block the others.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.svc.Stop(); err != nil {
			slog.Error("Failed to stop session", "error", err, "session", sess.Name)
		} else {
			slog.Info("Session stopped", "session", sess.Name)
		}
	}
	r.wg.Wait()
}
