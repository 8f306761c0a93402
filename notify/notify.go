// Package notify carries billing lifecycle events to whatever renders and
// sends member notifications. The billing engine only emits typed events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	SubscriptionCreated     EventType = "subscription.created"
	SubscriptionActivated   EventType = "subscription.activated"
	SubscriptionRenewed     EventType = "subscription.renewed"
	SubscriptionCancelled   EventType = "subscription.cancelled"
	SubscriptionExpired     EventType = "subscription.expired"
	SubscriptionReactivated EventType = "subscription.reactivated"
	TransactionRecorded     EventType = "transaction.recorded"
	TransactionCompleted    EventType = "transaction.completed"
	TransactionFailed       EventType = "transaction.failed"
	TransactionRefunded     EventType = "transaction.refunded"
	RolesGranted            EventType = "roles.granted"
	RolesRevoked            EventType = "roles.revoked"
)

// Event is one lifecycle notification.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	UserID         int64          `json:"user_id"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	TransactionID  string         `json:"transaction_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(t EventType, at time.Time, userID int64) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC(), UserID: userID}
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Dispatcher delivers events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ev Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Log writes each event to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log dispatcher. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Dispatch(ctx context.Context, ev Event) error {
	l.logger.InfoContext(ctx, "billing event",
		"event", ev.Type, "id", ev.ID, "user", ev.UserID,
		"subscription", ev.SubscriptionID, "transaction", ev.TransactionID)
	return nil
}

// Multi fans an event out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps dispatched events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Dispatch(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
