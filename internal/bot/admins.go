package bot

import (
	"context"

	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"go.uber.org/zap"
)

// Admins sends operational messages to every admin: active users with the
// admin role plus the numbers listed in the admin_phone_numbers setting.
type Admins struct {
	Users     store.Users
	Settings  *settings.Reader
	Transport transport.Transport
	Log       *zap.Logger
}

func (a Admins) recipients(ctx context.Context) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	users, err := a.Users.ListUsers(ctx, true)
	if err != nil {
		a.Log.Warn("list admin users", zap.Error(err))
	}
	for _, u := range users {
		if u.IsAdmin() {
			add(u.Phone)
		}
	}
	for _, p := range a.Settings.AdminPhones(ctx) {
		add(p)
	}
	return out
}

// Notify sends text to each admin and returns how many received it.
func (a Admins) Notify(ctx context.Context, text string) int {
	sent := 0
	for _, phone := range a.recipients(ctx) {
		if err := a.Transport.Send(ctx, transport.Direct(phone), text); err != nil {
			a.Log.Error("admin notification failed", zap.String("phone", phone), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Alert reports a command-handling failure.
func (a Admins) Alert(ctx context.Context, detail, senderPhone string) {
	text := "🚨 Signalerr Error\n\n" + detail
	if senderPhone != "" {
		text += "\n\nUser: " + senderPhone
	}
	a.Notify(ctx, text)
}
