// Package followup provides the per-user cancellable delayed nudge.
//
// A follow-up is armed after the bot replies; it fires once after a
// fixed delay and asks the user whether they have further questions,
// unless the user was active (or stopped the bot) in the meantime.
package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avazbek-dev/chatrelay/internal/history"
	"github.com/avazbek-dev/chatrelay/internal/messaging"
	"github.com/avazbek-dev/chatrelay/internal/models"
)

// DefaultDelay is the quiet period before a follow-up fires.
const DefaultDelay = 10 * time.Minute

// NudgeMessage is the bilingual follow-up text.
const NudgeMessage = "Qo'shimcha savollaringiz bormi?\n\nУ вас есть дополнительные вопросы?"

// sendTimeout bounds the outbound nudge delivery.
const sendTimeout = 30 * time.Second

// entry tracks one armed follow-up timer.
type entry struct {
	timer   *time.Timer
	armedAt time.Time
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	Delay time.Duration
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithDelay overrides the follow-up delay. Tests inject a short one.
func WithDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.Delay = d
	}
}

// Scheduler keeps at most one armed follow-up per user.
// Arming replaces any previously armed entry; it never queues.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	history *history.Store
	stopped func(userID string) bool
	delay   time.Duration
}

// NewScheduler creates a follow-up scheduler. The stopped callback is
// consulted when a timer fires; a stopped user never receives a nudge.
func NewScheduler(hist *history.Store, stopped func(userID string) bool, opts ...Option) *Scheduler {
	cfg := Opts{Delay: DefaultDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		history: hist,
		stopped: stopped,
		delay:   cfg.Delay,
	}
}

// Arm schedules a follow-up for the user through the given session
// sender, replacing any previously armed entry atomically.
func (s *Scheduler) Arm(userID string, sender messaging.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[userID]; ok {
		old.timer.Stop()
	}

	e := &entry{armedAt: time.Now()}
	e.timer = time.AfterFunc(s.delay, func() {
		s.fire(userID, sender, e)
	})
	s.entries[userID] = e
	slog.Debug("Follow-up armed", "user", userID, "delay", s.delay)
}

// Cancel retires any outstanding follow-up for the user. Cancelling an
// absent, fired, or already-cancelled entry is a no-op.
func (s *Scheduler) Cancel(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[userID]; ok {
		e.timer.Stop()
		delete(s.entries, userID)
		slog.Debug("Follow-up cancelled", "user", userID)
	}
}

// Pending reports whether a follow-up is currently armed for the user.
func (s *Scheduler) Pending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	return ok
}

// Len returns the number of armed follow-ups.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every armed follow-up. Called on shutdown so no timer
// outlives its session.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, e := range s.entries {
		e.timer.Stop()
		slog.Debug("Follow-up stopped", "user", userID)
	}
	count := len(s.entries)
	s.entries = make(map[string]*entry)
	slog.Info("Follow-up scheduler stopped all timers", "count", count)
}

// fire runs when a timer elapses. The entry identity check makes a
// concurrently superseded or cancelled timer a no-op.
func (s *Scheduler) fire(userID string, sender messaging.Sender, e *entry) {
	s.mu.Lock()
	cur, ok := s.entries[userID]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, userID)
	s.mu.Unlock()

	if s.stopped != nil && s.stopped(userID) {
		slog.Debug("Follow-up skipped for stopped user", "user", userID)
		return
	}

	// Only nudge if the user never answered the bot's last reply.
	role, hasHistory := s.history.LastRole(userID)
	if !hasHistory || role != models.RoleAssistant {
		slog.Debug("Follow-up suppressed, user already replied", "user", userID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := sender.SendMessage(ctx, userID, NudgeMessage); err != nil {
		slog.Error("Failed to send follow-up", "error", err, "user", userID)
		return
	}
	slog.Info("Follow-up sent", "user", userID)
}
