package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/Cypherspark/signalerr/internal/catalog"
	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	msgStarted = "🤖 Signalerr bot has started successfully!"
	msgStopped = "🤖 Signalerr bot has been stopped."
)

// Lifecycle holds the start/stop chores and housekeeping jobs of the bot
// process.
type Lifecycle struct {
	Store       store.Store
	Settings    *settings.Reader
	Catalog     catalog.Service
	Admins      Admins
	AdminPhones []string
	Clock       clockwork.Clock
	Log         *zap.Logger
}

// Startup checks the catalog, seeds settings and admins, and announces the
// bot. Only store failures are fatal.
func (b *Lifecycle) Startup(ctx context.Context) error {
	if err := b.Catalog.Ping(ctx); err != nil {
		b.Log.Error("catalog unreachable at startup", zap.Error(err))
	}
	if err := b.Settings.Seed(ctx, b.AdminPhones); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if _, err := SeedAdmins(ctx, b.Store, b.Settings, b.AdminPhones, b.Clock.Now()); err != nil {
		return err
	}
	n := b.Admins.Notify(ctx, msgStarted)
	b.Log.Info("bot started", zap.Int("admins_notified", n))
	return nil
}

// Shutdown announces the stop to admins.
func (b *Lifecycle) Shutdown(ctx context.Context) {
	b.Admins.Notify(ctx, msgStopped)
	b.Log.Info("bot stopped")
}

// SeedAdmins creates admin users for phones when the user table is empty.
// It returns how many were created.
func SeedAdmins(ctx context.Context, users store.Users, st *settings.Reader, phones []string, now time.Time) (int, error) {
	existing, err := users.ListUsers(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}
	created := 0
	for _, p := range phones {
		if !settings.ValidPhone(p) {
			continue
		}
		_, err := users.CreateUser(ctx, store.NewUser{
			Phone:      p,
			Role:       core.RoleAdmin,
			Verbosity:  st.DefaultVerbosity(ctx),
			AutoNotify: true,
			DailyLimit: st.DailyLimit(ctx),
			CreatedAt:  now,
		})
		if err != nil {
			return created, fmt.Errorf("create admin %s: %w", p, err)
		}
		created++
	}
	return created, nil
}

// TrimLogs drops audit entries older than the retention setting.
func (b *Lifecycle) TrimLogs(ctx context.Context) error {
	cutoff := b.Clock.Now().Add(-b.Settings.LogRetention(ctx))
	n, err := b.Store.TrimLogs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("trim logs: %w", err)
	}
	if n > 0 {
		b.Log.Info("trimmed audit log", zap.Int64("deleted", n), zap.Time("before", cutoff))
	}
	return nil
}

// Digest sends the daily stats summary to admins.
func (b *Lifecycle) Digest(ctx context.Context) error {
	text, err := b.digestText(ctx)
	if err != nil {
		return err
	}
	b.Admins.Notify(ctx, text)
	return nil
}

func (b *Lifecycle) digestText(ctx context.Context) (string, error) {
	now := b.Clock.Now()
	users, err := b.Store.ListUsers(ctx, true)
	if err != nil {
		return "", fmt.Errorf("digest users: %w", err)
	}
	recent, err := b.Store.CountRequests(ctx, store.CountFilter{From: now.Add(-24 * time.Hour)})
	if err != nil {
		return "", fmt.Errorf("digest requests: %w", err)
	}
	pending := core.StatusPending
	waiting, err := b.Store.CountRequests(ctx, store.CountFilter{Status: &pending})
	if err != nil {
		return "", fmt.Errorf("digest pending: %w", err)
	}
	return fmt.Sprintf("📊 **Daily Signalerr Stats**\n\n"+
		"👥 Active Users: %d\n"+
		"📋 Requests Today: %d\n"+
		"⏳ Pending Requests: %d\n"+
		"📅 Date: %s", len(users), recent, waiting, now.UTC().Format("2006-01-02")), nil
}
