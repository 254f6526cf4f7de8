// Package bot is the message ingestion loop and the bot's process lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/events"
	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	msgUnauthorized = "❌ You are not authorized to use this bot. Please contact an administrator."
	msgMaintenance  = "🔧 The bot is currently in maintenance mode. Please try again later."
	msgFailure      = "❌ An error occurred while processing your request. Please try again."
)

// Handler runs one message from a resolved user.
type Handler interface {
	Handle(ctx context.Context, u core.User, ev transport.Event) error
}

type Loop struct {
	transport transport.Transport
	users     store.Users
	settings  *settings.Reader
	handler   Handler
	admins    Admins
	events    events.Publisher
	clock     clockwork.Clock
	log       *zap.Logger
	seen      *recentKeys
}

func NewLoop(t transport.Transport, users store.Users, st *settings.Reader, h Handler, admins Admins, ev events.Publisher, clock clockwork.Clock, log *zap.Logger) *Loop {
	if ev == nil {
		ev = events.Nop{}
	}
	return &Loop{
		transport: t,
		users:     users,
		settings:  st,
		handler:   h,
		admins:    admins,
		events:    ev,
		clock:     clock,
		log:       log.Named("ingest"),
		seen:      newRecentKeys(1024),
	}
}

// Run reads events until ctx is cancelled or the transport fails. A
// cancelled ctx is a clean stop and returns nil; the event in hand when
// that happens is still processed to completion.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("ingestion loop started")
	for {
		ev, err := l.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("ingestion loop stopped")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		l.Process(context.WithoutCancel(ctx), ev)
	}
}

// Process runs the gates for one event and dispatches it. It never panics
// and never returns an error; failures are logged and reported to admins.
func (l *Loop) Process(ctx context.Context, ev transport.Event) {
	if strings.TrimSpace(ev.Text) == "" {
		metrics.InboundEvents.WithLabelValues("empty").Inc()
		return
	}
	log := l.log.With(zap.String("event_id", ev.ID.String()), zap.String("sender", ev.Sender))

	if ev.Timestamp != 0 && l.seen.add(ev.Sender+"|"+strconv.FormatInt(ev.Timestamp, 10)) {
		// handled again on purpose: a repeated request text is a new request
		log.Warn("duplicate delivery", zap.Int64("timestamp", ev.Timestamp))
		metrics.InboundEvents.WithLabelValues("duplicate").Inc()
	}

	if ev.IsGroup() && !l.settings.GroupChatsEnabled(ctx) {
		metrics.InboundEvents.WithLabelValues("ignored").Inc()
		return
	}

	u, err := l.users.UserByPhone(ctx, ev.Sender)
	if errors.Is(err, core.ErrNotFound) || (err == nil && !u.Active) {
		log.Info("rejected unknown sender")
		metrics.InboundEvents.WithLabelValues("rejected").Inc()
		l.send(ctx, ev, msgUnauthorized)
		return
	}
	if err != nil {
		log.Error("resolve sender", zap.Error(err))
		metrics.InboundEvents.WithLabelValues("error").Inc()
		l.send(ctx, ev, msgFailure)
		l.admins.Alert(ctx, "Error resolving sender: "+err.Error(), ev.Sender)
		return
	}
	log = log.With(zap.Int64("user_id", u.ID))

	if !u.IsAdmin() && l.settings.MaintenanceMode(ctx) {
		metrics.InboundEvents.WithLabelValues("maintenance").Inc()
		l.send(ctx, ev, msgMaintenance)
		return
	}

	if err := l.users.TouchUser(ctx, u.ID, l.clock.Now()); err != nil {
		log.Warn("update last active", zap.Error(err))
	}

	if err := l.dispatch(ctx, u, ev); err != nil {
		metrics.InboundEvents.WithLabelValues("failed").Inc()
		log.Error("message handling failed", zap.Error(err))
		e := events.New(events.CommandFailed, "ingest", l.clock.Now())
		e.UserID, e.Detail = u.ID, err.Error()
		_ = l.events.Publish(ctx, e)
		l.admins.Alert(ctx, "Error handling message: "+err.Error(), ev.Sender)
		return
	}
	metrics.InboundEvents.WithLabelValues("handled").Inc()
}

func (l *Loop) dispatch(ctx context.Context, u core.User, ev transport.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.handler.Handle(ctx, u, ev)
}

func (l *Loop) send(ctx context.Context, ev transport.Event, text string) {
	if err := l.transport.Send(ctx, transport.ReplyTo(ev), text); err != nil {
		l.log.Error("reply failed", zap.String("sender", ev.Sender), zap.Error(err))
	}
}

// recentKeys remembers the last n keys seen.
type recentKeys struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newRecentKeys(n int) *recentKeys {
	return &recentKeys{set: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records key and reports whether it was already present.
func (r *recentKeys) add(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[key]; ok {
		return true
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = key
	r.set[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return false
}
