// Package router turns inbound chat text into commands and runs them.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cypherspark/signalerr/internal/catalog"
	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/lifecycle"
	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/Cypherspark/signalerr/internal/quota"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	msgPermissionDenied = "❌ You don't have permission to use this command."
	msgUnknownCommand   = "❓ Unknown command. Type `help` for available commands."
	msgGenericFailure   = "❌ An error occurred while processing your request. Please try again."
)

// CheckScheduler is the slice of the scheduler the router needs.
type CheckScheduler interface {
	ScheduleCheck(id int64, delay time.Duration) time.Time
}

// Notifier delivers a status update to the request owner.
type Notifier interface {
	StatusChanged(ctx context.Context, r core.Request) (bool, error)
}

type Deps struct {
	Users     store.Users
	Requests  store.Requests
	Settings  *settings.Reader
	Catalog   catalog.Service
	Engine    *lifecycle.Engine
	Quota     *quota.Tracker
	Checks    CheckScheduler
	Notifier  Notifier
	Transport transport.Transport
	Clock     clockwork.Clock
	Log       *zap.Logger
}

type Router struct {
	users     store.Users
	requests  store.Requests
	settings  *settings.Reader
	catalog   catalog.Service
	engine    *lifecycle.Engine
	quota     *quota.Tracker
	checks    CheckScheduler
	notifier  Notifier
	transport transport.Transport
	clock     clockwork.Clock
	log       *zap.Logger
}

func New(d Deps) *Router {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Router{
		users:     d.Users,
		requests:  d.Requests,
		settings:  d.Settings,
		catalog:   d.Catalog,
		engine:    d.Engine,
		quota:     d.Quota,
		checks:    d.Checks,
		notifier:  d.Notifier,
		transport: d.Transport,
		clock:     d.Clock,
		log:       d.Log.Named("router"),
	}
}

// Handle parses and runs one message from u. User mistakes and permission
// problems are answered in the chat and return nil. Any other error has
// already been answered with a generic reply and is returned so the caller
// can alert admins.
func (rt *Router) Handle(ctx context.Context, u core.User, ev transport.Event) error {
	verb, args := Parse(ev.Text)
	if verb == "" {
		return nil
	}
	c := Command{Kind: Classify(verb), Verb: verb, Args: args, Text: ev.Text, User: u, Event: ev}

	err := rt.dispatch(ctx, c)

	var uie *core.UserInputError
	var aue *core.AuthorizationError
	switch {
	case err == nil:
		metrics.Commands.WithLabelValues(c.Kind.String(), "ok").Inc()
		return nil
	case errors.As(err, &uie):
		metrics.Commands.WithLabelValues(c.Kind.String(), "user_error").Inc()
		return rt.reply(ctx, c, uie.Msg)
	case errors.As(err, &aue):
		metrics.Commands.WithLabelValues(c.Kind.String(), "denied").Inc()
		rt.log.Info("command denied", zap.Int64("user_id", u.ID), zap.String("verb", verb), zap.String("reason", aue.Reason))
		return rt.reply(ctx, c, msgPermissionDenied)
	}
	metrics.Commands.WithLabelValues(c.Kind.String(), "error").Inc()
	rt.log.Error("command failed", zap.Int64("user_id", u.ID), zap.String("verb", verb), zap.Error(err))
	if rerr := rt.reply(ctx, c, msgGenericFailure); rerr != nil {
		rt.log.Warn("generic failure reply not delivered", zap.Error(rerr))
	}
	return fmt.Errorf("%s: %w", c.Kind, err)
}

func (rt *Router) dispatch(ctx context.Context, c Command) error {
	if c.Kind.AdminOnly() && !c.User.IsAdmin() {
		return &core.AuthorizationError{Reason: c.Verb + " requires admin"}
	}
	switch c.Kind {
	case KindNatural:
		return rt.handleNatural(ctx, c)
	case KindHelp:
		return rt.handleHelp(ctx, c)
	case KindRequest:
		return rt.handleRequest(ctx, c)
	case KindSearch:
		return rt.handleSearch(ctx, c)
	case KindStatus:
		return rt.handleStatus(ctx, c)
	case KindMyRequests:
		return rt.handleMyRequests(ctx, c)
	case KindCancel:
		return rt.handleCancel(ctx, c)
	case KindSettings:
		return rt.handleSettings(ctx, c)
	case KindCreateGroup:
		return rt.handleCreateGroup(ctx, c)
	case KindAddUser:
		return rt.handleAddUser(ctx, c)
	case KindRemoveUser:
		return rt.handleRemoveUser(ctx, c)
	case KindListUsers:
		return rt.handleListUsers(ctx, c)
	case KindApprove:
		return rt.handleApprove(ctx, c)
	case KindDecline:
		return rt.handleDecline(ctx, c)
	case KindBroadcast:
		return rt.handleBroadcast(ctx, c)
	case KindStats:
		return rt.handleStats(ctx, c)
	}
	return fmt.Errorf("no handler for %s", c.Kind)
}

// reply answers in the conversation the command came from.
func (rt *Router) reply(ctx context.Context, c Command, text string) error {
	to := transport.ReplyTo(c.Event)
	if err := rt.transport.Send(ctx, to, text); err != nil {
		rt.log.Error("reply failed", zap.Int64("user_id", c.User.ID), zap.String("to", to.String()), zap.Error(err))
		return core.Collaborator("send reply", err)
	}
	return nil
}

func usage(msg string) error { return &core.UserInputError{Msg: msg} }
