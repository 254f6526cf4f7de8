package notify

import (
	"context"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/events"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Notifier delivers automatic status updates to request owners.
type Notifier struct {
	users     store.Users
	settings  *settings.Reader
	transport transport.Transport
	events    events.Publisher
	clock     clockwork.Clock
	log       *zap.Logger
}

func NewNotifier(users store.Users, st *settings.Reader, t transport.Transport, ev events.Publisher, clock clockwork.Clock, log *zap.Logger) *Notifier {
	return &Notifier{users: users, settings: st, transport: t, events: ev, clock: clock, log: log.Named("notify")}
}

// StatusChanged tells the owner of r that it moved to r.Status. It reports
// whether a message was sent. Owners with auto-notify off, deactivated
// owners, and the global switch being off all suppress the message.
func (n *Notifier) StatusChanged(ctx context.Context, r core.Request) (bool, error) {
	log := n.log.With(zap.Int64("request_id", r.ID), zap.Int64("user_id", r.UserID))
	if !n.settings.AutoNotificationsEnabled(ctx) {
		log.Debug("auto notifications disabled globally")
		return false, nil
	}
	u, err := n.users.UserByID(ctx, r.UserID)
	if err != nil {
		return false, core.Collaborator("load request owner", err)
	}
	if !u.AutoNotify || !u.Active {
		log.Debug("owner opted out of notifications")
		return false, nil
	}

	now := n.clock.Now()
	text := Format(u.Verbosity, r, r.Status, now)
	ev := events.New(events.NotificationSent, "notify", now)
	ev.UserID, ev.RequestID, ev.To = u.ID, r.ID, r.Status

	if err := n.transport.Send(ctx, transport.Direct(u.Phone), text); err != nil {
		log.Error("status notification failed", zap.Error(err))
		ev.Kind, ev.Detail = events.NotificationFailed, err.Error()
		_ = n.events.Publish(ctx, ev)
		return false, core.Collaborator("send notification", err)
	}
	log.Info("status notification sent", zap.String("status", string(r.Status)))
	_ = n.events.Publish(ctx, ev)
	return true, nil
}
