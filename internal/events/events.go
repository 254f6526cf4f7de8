// Package events fans lifecycle and notification events out to the audit log
// and, optionally, a message broker.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	RequestCreated     Kind = "request.created"
	RequestTransition  Kind = "request.transition"
	NotificationSent   Kind = "notification.sent"
	NotificationFailed Kind = "notification.failed"
	CommandFailed      Kind = "command.failed"
)

type Event struct {
	ID        uuid.UUID   `json:"id"`
	Kind      Kind        `json:"kind"`
	At        time.Time   `json:"at"`
	Module    string      `json:"module"`
	UserID    int64       `json:"user_id,omitempty"`
	RequestID int64       `json:"request_id,omitempty"`
	From      core.Status `json:"from,omitempty"`
	To        core.Status `json:"to,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// New stamps an id and time on a fresh event.
func New(kind Kind, module string, at time.Time) Event {
	return Event{ID: uuid.New(), Kind: kind, At: at, Module: module}
}

func (e Event) message() string {
	switch e.Kind {
	case RequestCreated:
		return fmt.Sprintf("request %d created", e.RequestID)
	case RequestTransition:
		return fmt.Sprintf("request %d %s -> %s", e.RequestID, e.From, e.To)
	case NotificationSent:
		return fmt.Sprintf("notified user %d about request %d (%s)", e.UserID, e.RequestID, e.To)
	case NotificationFailed:
		return fmt.Sprintf("notification to user %d failed", e.UserID)
	case CommandFailed:
		return "command handling failed"
	}
	return string(e.Kind)
}

func (e Event) level() string {
	switch e.Kind {
	case NotificationFailed:
		return "WARNING"
	case CommandFailed:
		return "ERROR"
	}
	return "INFO"
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Audit appends every event to the store's log table.
type Audit struct {
	Log store.AuditLog
}

func (a Audit) Publish(ctx context.Context, e Event) error {
	entry := core.LogEntry{
		Level:     e.level(),
		Message:   e.message(),
		Module:    e.Module,
		CreatedAt: e.At,
		Metadata:  map[string]any{"event_id": e.ID.String(), "kind": string(e.Kind)},
	}
	if e.UserID != 0 {
		uid := e.UserID
		entry.UserID = &uid
	}
	if e.RequestID != 0 {
		rid := e.RequestID
		entry.RequestID = &rid
	}
	if e.Detail != "" {
		entry.Metadata["detail"] = e.Detail
	}
	if err := a.Log.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("audit %s: %w", e.Kind, err)
	}
	return nil
}

// Logged never fails: errors from the wrapped publisher are logged and
// swallowed so a broken sink cannot stall a state transition.
type Logged struct {
	Next Publisher
	Log  *zap.Logger
}

func (l Logged) Publish(ctx context.Context, e Event) error {
	if err := l.Next.Publish(ctx, e); err != nil {
		l.Log.Warn("event publish failed",
			zap.String("kind", string(e.Kind)),
			zap.Int64("request_id", e.RequestID),
			zap.Int64("user_id", e.UserID),
			zap.Error(err))
	}
	return nil
}
