package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"go.uber.org/zap"
)

const welcomeText = "🎉 Welcome to Signalerr! You've been added by an admin.\n\nType `help` to see available commands."

func (rt *Router) handleAddUser(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Usage: `adduser <phone> [display_name]`")
	}
	phone := c.Args[0]
	if !settings.ValidPhone(phone) {
		return usage("❌ Invalid phone number format: " + phone)
	}
	name := strings.Join(c.Args[1:], " ")

	existing, err := rt.users.UserByPhone(ctx, phone)
	switch {
	case err == nil && existing.Active:
		return usage(fmt.Sprintf("❌ User %s already exists", phone))
	case err == nil:
		if err := rt.users.ReactivateUser(ctx, existing.ID); err != nil {
			return core.Collaborator("reactivate user", err)
		}
		rt.log.Info("user reactivated", zap.Int64("user_id", existing.ID), zap.Int64("admin_id", c.User.ID))
		if err := rt.reply(ctx, c, "✅ Reactivated user: "+phone); err != nil {
			return err
		}
	case errors.Is(err, core.ErrNotFound):
		nu, err := rt.users.CreateUser(ctx, store.NewUser{
			Phone:       phone,
			DisplayName: name,
			Role:        core.RoleStandard,
			Verbosity:   rt.settings.DefaultVerbosity(ctx),
			AutoNotify:  true,
			DailyLimit:  rt.settings.DailyLimit(ctx),
			CreatedAt:   rt.clock.Now(),
		})
		if errors.Is(err, core.ErrDuplicate) {
			return usage(fmt.Sprintf("❌ User %s already exists", phone))
		}
		if err != nil {
			return core.Collaborator("create user", err)
		}
		rt.log.Info("user added", zap.Int64("user_id", nu.ID), zap.Int64("admin_id", c.User.ID))
		if err := rt.reply(ctx, c, "✅ Added user: "+phone); err != nil {
			return err
		}
	default:
		return core.Collaborator("lookup user", err)
	}

	if err := rt.transport.Send(ctx, transport.Direct(phone), welcomeText); err != nil {
		rt.log.Warn("welcome message not delivered", zap.String("phone", phone), zap.Error(err))
	}
	return nil
}

func (rt *Router) handleRemoveUser(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Usage: `removeuser <phone>`")
	}
	phone := c.Args[0]
	if phone == c.User.Phone {
		return usage("❌ You can't remove yourself")
	}
	target, err := rt.users.UserByPhone(ctx, phone)
	if errors.Is(err, core.ErrNotFound) || (err == nil && !target.Active) {
		return usage(fmt.Sprintf("❌ User %s not found", phone))
	}
	if err != nil {
		return core.Collaborator("lookup user", err)
	}
	if err := rt.users.DeactivateUser(ctx, target.ID); err != nil {
		return core.Collaborator("deactivate user", err)
	}
	rt.log.Info("user removed", zap.Int64("user_id", target.ID), zap.Int64("admin_id", c.User.ID))
	return rt.reply(ctx, c, "✅ Removed user: "+phone)
}

func (rt *Router) handleListUsers(ctx context.Context, c Command) error {
	users, err := rt.users.ListUsers(ctx, true)
	if err != nil {
		return core.Collaborator("list users", err)
	}
	if len(users) == 0 {
		return rt.reply(ctx, c, "📭 No users found")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👥 **All Users (%d):**\n\n", len(users))
	for _, u := range users {
		used, err := rt.quota.UsedToday(ctx, u)
		if err != nil {
			return err
		}
		marker := "👤"
		if u.IsAdmin() {
			marker = "👑"
		}
		fmt.Fprintf(&b, "%s %s", marker, u.Phone)
		if u.DisplayName != "" {
			fmt.Fprintf(&b, " (%s)", u.DisplayName)
		}
		fmt.Fprintf(&b, " - %d/%d requests today\n", used, u.DailyLimit)
	}
	return rt.reply(ctx, c, strings.TrimRight(b.String(), "\n"))
}

func (rt *Router) handleApprove(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Usage: `approve <request_id>`")
	}
	id, ok := parseRequestID(c.Args[0])
	if !ok {
		return usage("❌ Usage: `approve <request_id>`")
	}
	r, err := rt.engine.Approve(ctx, id)
	if err != nil {
		return err
	}
	rt.informOwner(ctx, r)
	rt.checks.ScheduleCheck(r.ID, rt.settings.PollGrace(ctx))
	return rt.reply(ctx, c, fmt.Sprintf("✅ Approved request #%d: %s", r.ID, r.Label()))
}

func (rt *Router) handleDecline(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Usage: `decline <request_id> [reason]`")
	}
	id, ok := parseRequestID(c.Args[0])
	if !ok {
		return usage("❌ Usage: `decline <request_id> [reason]`")
	}
	r, err := rt.engine.Decline(ctx, id, strings.Join(c.Args[1:], " "))
	if err != nil {
		return err
	}
	rt.informOwner(ctx, r)
	return rt.reply(ctx, c, fmt.Sprintf("✅ Declined request #%d: %s", r.ID, r.Label()))
}

// informOwner tells the request owner about an admin decision. Failures are
// logged; the admin's command already succeeded.
func (rt *Router) informOwner(ctx context.Context, r core.Request) {
	if rt.notifier == nil {
		return
	}
	if _, err := rt.notifier.StatusChanged(ctx, r); err != nil {
		rt.log.Warn("owner not notified", zap.Int64("request_id", r.ID), zap.Int64("user_id", r.UserID), zap.Error(err))
	}
}

func (rt *Router) handleBroadcast(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Usage: `broadcast <message>`")
	}
	text := "📢 **Announcement**\n\n" + c.Phrase()
	users, err := rt.users.ListUsers(ctx, true)
	if err != nil {
		return core.Collaborator("list users", err)
	}
	sent, failed := 0, 0
	for _, u := range users {
		if err := rt.transport.Send(ctx, transport.Direct(u.Phone), text); err != nil {
			failed++
			rt.log.Warn("broadcast not delivered", zap.Int64("user_id", u.ID), zap.Error(err))
			continue
		}
		sent++
	}
	msg := fmt.Sprintf("✅ Broadcast sent to %d users", sent)
	if failed > 0 {
		msg += fmt.Sprintf(" (%d failed)", failed)
	}
	return rt.reply(ctx, c, msg)
}

func (rt *Router) handleStats(ctx context.Context, c Command) error {
	users, err := rt.users.ListUsers(ctx, true)
	if err != nil {
		return core.Collaborator("list users", err)
	}
	now := rt.clock.Now()
	recent, err := rt.requests.CountRequests(ctx, store.CountFilter{From: now.AddDate(0, 0, -7)})
	if err != nil {
		return core.Collaborator("count requests", err)
	}
	pendingStatus, completedStatus := core.StatusPending, core.StatusCompleted
	pending, err := rt.requests.CountRequests(ctx, store.CountFilter{Status: &pendingStatus})
	if err != nil {
		return core.Collaborator("count requests", err)
	}
	completed, err := rt.requests.CountRequests(ctx, store.CountFilter{Status: &completedStatus})
	if err != nil {
		return core.Collaborator("count requests", err)
	}

	var b strings.Builder
	b.WriteString("📊 **Bot Statistics:**\n\n")
	fmt.Fprintf(&b, "👥 **Total Users:** %d\n", len(users))
	fmt.Fprintf(&b, "📋 **Requests (7 days):** %d\n", recent)
	fmt.Fprintf(&b, "⏳ **Pending Requests:** %d\n", pending)
	fmt.Fprintf(&b, "✅ **Completed Requests:** %d\n", completed)
	if err := rt.catalog.Ping(ctx); err != nil {
		b.WriteString("🔴 **Overseerr:** Disconnected")
	} else {
		b.WriteString("🟢 **Overseerr:** Connected")
	}
	return rt.reply(ctx, c, b.String())
}
