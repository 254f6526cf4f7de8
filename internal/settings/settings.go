// Package settings reads and writes the operational knobs kept in the store's
// key/value table. Values are read on every use so the admin console can
// change them without a restart.
package settings

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/store"
)

const (
	KeyRequestTimeoutMinutes = "request_timeout_minutes"
	KeyMaxRequestsPerDay     = "max_requests_per_user_per_day"
	KeyDefaultVerbosity      = "default_verbosity"
	KeyMaintenanceMode       = "maintenance_mode"
	KeyAutoNotifications     = "enable_auto_notifications"
	KeyGroupChats            = "enable_group_chats"
	KeyAdminPhones           = "admin_phone_numbers"
	KeyLogRetentionDays      = "log_retention_days"
)

type Default struct {
	Key         string
	Value       string
	Description string
}

// Defaults is written on startup for any key that is missing.
var Defaults = []Default{
	{KeyRequestTimeoutMinutes, "2", "Minutes before a pending request is polled"},
	{KeyMaxRequestsPerDay, "10", "Default daily request limit for new users"},
	{KeyDefaultVerbosity, "simple", "Default notification verbosity for new users"},
	{KeyMaintenanceMode, "false", "Reject non-admin messages"},
	{KeyAutoNotifications, "true", "Send automatic status notifications"},
	{KeyGroupChats, "true", "Respond to messages sent in groups"},
	{KeyAdminPhones, "", "Comma separated admin phone numbers"},
	{KeyLogRetentionDays, "30", "Days of audit log to keep"},
}

var phoneRe = regexp.MustCompile(`^\+\d{10,15}$`)

// ValidPhone reports whether p looks like an E.164 number.
func ValidPhone(p string) bool { return phoneRe.MatchString(p) }

// Validate checks a value before it is written. Unknown keys are accepted as
// free-form strings.
func Validate(key, value string) error {
	bad := func(msg string) error { return &core.UserInputError{Msg: msg} }
	switch key {
	case KeyRequestTimeoutMinutes, KeyMaxRequestsPerDay:
		n, err := strconv.Atoi(value)
		if err != nil {
			return bad("Value must be a whole number")
		}
		if n < 1 || n > 1440 {
			return bad("Value must be between 1 and 1440")
		}
	case KeyLogRetentionDays:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 3650 {
			return bad("Value must be between 1 and 3650")
		}
	case KeyDefaultVerbosity:
		if _, ok := core.ParseVerbosity(value); !ok {
			return bad("Must be one of: casual, simple, verbose")
		}
	case KeyMaintenanceMode, KeyAutoNotifications, KeyGroupChats:
		switch strings.ToLower(value) {
		case "true", "false":
		default:
			return bad("Must be true or false")
		}
	case KeyAdminPhones:
		for _, p := range splitList(value) {
			if !ValidPhone(p) {
				return bad("Invalid phone number format: " + p)
			}
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Reader wraps the store's settings table with typed accessors. A missing or
// unparsable value falls back to its default.
type Reader struct {
	S store.Settings
}

func New(s store.Settings) *Reader { return &Reader{S: s} }

// Seed writes every default that is not already present. adminPhones, when
// non-empty, becomes the initial admin list.
func (r *Reader) Seed(ctx context.Context, adminPhones []string) error {
	for _, d := range Defaults {
		v := d.Value
		if d.Key == KeyAdminPhones && len(adminPhones) > 0 {
			v = strings.Join(adminPhones, ",")
		}
		if err := r.S.EnsureSetting(ctx, d.Key, v, d.Description); err != nil {
			return fmt.Errorf("seed %s: %w", d.Key, err)
		}
	}
	return nil
}

// Set validates and writes a single key.
func (r *Reader) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	if key == KeyMaintenanceMode || key == KeyAutoNotifications || key == KeyGroupChats {
		value = strings.ToLower(value)
	}
	return r.S.SetSetting(ctx, key, value, "")
}

func (r *Reader) raw(ctx context.Context, key string) (string, bool) {
	v, err := r.S.GetSetting(ctx, key)
	if err != nil {
		return "", false
	}
	return v, true
}

func (r *Reader) lookup(ctx context.Context, key string) string {
	if v, ok := r.raw(ctx, key); ok {
		return v
	}
	for _, d := range Defaults {
		if d.Key == key {
			return d.Value
		}
	}
	return ""
}

func (r *Reader) boolean(ctx context.Context, key string) bool {
	v := strings.ToLower(r.lookup(ctx, key))
	if v != "true" && v != "false" {
		for _, d := range Defaults {
			if d.Key == key {
				return d.Value == "true"
			}
		}
	}
	return v == "true"
}

func (r *Reader) integer(ctx context.Context, key string, def int) int {
	n, err := strconv.Atoi(r.lookup(ctx, key))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (r *Reader) MaintenanceMode(ctx context.Context) bool {
	return r.boolean(ctx, KeyMaintenanceMode)
}

func (r *Reader) AutoNotificationsEnabled(ctx context.Context) bool {
	return r.boolean(ctx, KeyAutoNotifications)
}

func (r *Reader) GroupChatsEnabled(ctx context.Context) bool {
	return r.boolean(ctx, KeyGroupChats)
}

// PollGrace is how long a pending request is left alone after creation. It
// doubles as the delay of the first follow-up check.
func (r *Reader) PollGrace(ctx context.Context) time.Duration {
	return time.Duration(r.integer(ctx, KeyRequestTimeoutMinutes, 2)) * time.Minute
}

func (r *Reader) DailyLimit(ctx context.Context) int {
	return r.integer(ctx, KeyMaxRequestsPerDay, 10)
}

func (r *Reader) LogRetention(ctx context.Context) time.Duration {
	return time.Duration(r.integer(ctx, KeyLogRetentionDays, 30)) * 24 * time.Hour
}

func (r *Reader) DefaultVerbosity(ctx context.Context) core.Verbosity {
	if v, ok := core.ParseVerbosity(r.lookup(ctx, KeyDefaultVerbosity)); ok {
		return v
	}
	return core.VerbositySimple
}

func (r *Reader) AdminPhones(ctx context.Context) []string {
	return splitList(r.lookup(ctx, KeyAdminPhones))
}
