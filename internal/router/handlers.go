package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/lifecycle"
	"github.com/Cypherspark/signalerr/internal/notify"
	"go.uber.org/zap"
)

const helpText = "🤖 **Signalerr Bot Commands**\n\n" +
	"**Media Requests:**\n" +
	"• `request <movie/show name>` - Request media\n" +
	"• `search <query>` - Search for media\n" +
	"• `status` - Check your recent requests\n" +
	"• `myrequests` - List all your requests\n" +
	"• `cancel <request_id>` - Cancel a request\n\n" +
	"**Settings:**\n" +
	"• `settings` - View your settings\n" +
	"• `settings verbosity <verbose/simple/casual>` - Change notification style\n" +
	"• `settings notifications <on/off>` - Toggle auto notifications\n\n" +
	"**Groups:**\n" +
	"• `creategroup <name> <phone1> <phone2>...` - Create group chat\n\n" +
	"**General:**\n" +
	"• `help` - Show this help message\n\n" +
	"**Examples:**\n" +
	"• `request The Matrix`\n" +
	"• `request Breaking Bad seasons 1-4`\n" +
	"• `search marvel movies`\n" +
	"• `settings verbosity casual`\n\n" +
	"You can also just type the name of a movie or show to request it!"

const adminHelpText = "\n\n**Admin Commands:**\n" +
	"• `adduser <phone> [name]` - Add new user\n" +
	"• `removeuser <phone>` - Remove user\n" +
	"• `listusers` - List all users\n" +
	"• `approve <request_id>` - Approve request\n" +
	"• `decline <request_id> [reason]` - Decline request\n" +
	"• `broadcast <message>` - Send message to all users\n" +
	"• `stats` - Show bot statistics"

func (rt *Router) handleHelp(ctx context.Context, c Command) error {
	text := helpText
	if c.User.IsAdmin() {
		text += adminHelpText
	}
	return rt.reply(ctx, c, text)
}

func (rt *Router) handleRequest(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Please specify what you want to request.\nExample: `request The Matrix`")
	}
	return rt.requestMedia(ctx, c, c.Phrase())
}

func (rt *Router) handleNatural(ctx context.Context, c Command) error {
	if looksLikeCommand(c.Text) {
		return rt.reply(ctx, c, msgUnknownCommand)
	}
	return rt.requestMedia(ctx, c, strings.TrimSpace(c.Text))
}

// requestMedia is the free-form request flow: quota, search, availability,
// season choice, create, submit, confirm, and a follow-up check.
func (rt *Router) requestMedia(ctx context.Context, c Command, query string) error {
	u := c.User
	ok, _, err := rt.quota.CanRequest(ctx, u)
	if err != nil {
		return err
	}
	if !ok {
		return usage(fmt.Sprintf("❌ You've reached your daily request limit (%d). Try again tomorrow!", u.DailyLimit))
	}

	results, err := rt.catalog.Search(ctx, query)
	if err != nil {
		return core.Collaborator("search", err)
	}
	if len(results) == 0 {
		return usage(fmt.Sprintf("❌ No results found for '%s'. Try a different search term.", query))
	}
	best := results[0]

	available, err := rt.catalog.IsAvailable(ctx, best.ID)
	if err != nil {
		return core.Collaborator("availability", err)
	}
	if available {
		return rt.reply(ctx, c, fmt.Sprintf("✅ '%s' is already available!", best.Title))
	}

	var seasons []int
	if best.Kind == core.MediaSeries {
		total := best.SeasonCount
		if total == 0 {
			d, err := rt.catalog.Details(ctx, best.Kind, best.ID)
			if err != nil {
				rt.log.Warn("season count unavailable", zap.Int64("catalog_id", best.ID), zap.Error(err))
			} else {
				total = d.SeasonCount
			}
		}
		seasons = DeriveSeasons(query, total)
	}

	r, err := rt.engine.Create(ctx, u, lifecycle.NewRequest{
		Kind:      best.Kind,
		CatalogID: best.ID,
		Title:     best.Title,
		Year:      best.Year,
		Seasons:   seasons,
	})
	if err != nil {
		return err
	}

	r, err = rt.engine.Submit(ctx, r.ID)
	switch {
	case errors.Is(err, core.ErrConflict):
		return rt.reply(ctx, c, fmt.Sprintf("ℹ️ '%s' has already been requested.", best.Title))
	case err != nil && r.Status == core.StatusFailed:
		var ce *core.CollaboratorError
		detail := err.Error()
		if errors.As(err, &ce) {
			detail = ce.Err.Error()
		}
		return rt.reply(ctx, c, fmt.Sprintf("❌ Failed to request '%s': %s", best.Title, detail))
	case err != nil:
		return err
	}

	grace := rt.settings.PollGrace(ctx)
	rt.checks.ScheduleCheck(r.ID, grace)
	return rt.reply(ctx, c, notify.Confirmation(u.Verbosity, r, grace))
}

func (rt *Router) handleSearch(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Please specify what to search for.\nExample: `search Marvel movies`")
	}
	query := c.Phrase()
	results, err := rt.catalog.Search(ctx, query)
	if err != nil {
		return core.Collaborator("search", err)
	}
	if len(results) == 0 {
		return usage(fmt.Sprintf("❌ No results found for '%s'.", query))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 **Search Results for '%s':**\n\n", query)
	for i, m := range results[:min(5, len(results))] {
		kind := "Movie"
		if m.Kind == core.MediaSeries {
			kind = "Tv"
		}
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, m.Label(), kind)
	}
	b.WriteString("\nTo request any of these, just type: `request [title]`")
	return rt.reply(ctx, c, b.String())
}

func (rt *Router) handleStatus(ctx context.Context, c Command) error {
	reqs, err := rt.requests.ListUserRequests(ctx, c.User.ID, 5)
	if err != nil {
		return core.Collaborator("list requests", err)
	}
	if len(reqs) == 0 {
		return rt.reply(ctx, c, "📭 You haven't made any requests yet.")
	}
	var b strings.Builder
	b.WriteString("📊 **Your Recent Requests:**\n\n")
	for _, r := range reqs {
		fmt.Fprintf(&b, "%s %s - %s\n", notify.StatusEmoji(r.Status), r.Label(), r.Status.Title())
		if r.ErrorDetail != nil {
			fmt.Fprintf(&b, "   ❌ %s\n", *r.ErrorDetail)
		}
	}
	return rt.reply(ctx, c, strings.TrimRight(b.String(), "\n"))
}

func (rt *Router) handleMyRequests(ctx context.Context, c Command) error {
	reqs, err := rt.requests.ListUserRequests(ctx, c.User.ID, 20)
	if err != nil {
		return core.Collaborator("list requests", err)
	}
	if len(reqs) == 0 {
		return rt.reply(ctx, c, "📭 You haven't made any requests yet.")
	}
	used, err := rt.quota.UsedToday(ctx, c.User)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 **All Your Requests (%d):**\n\n", len(reqs))
	for _, r := range reqs {
		fmt.Fprintf(&b, "%s #%d %s - %s\n", notify.StatusEmoji(r.Status), r.ID, r.Label(), r.Status.Title())
		switch {
		case r.CompletedAt != nil:
			fmt.Fprintf(&b, "   ✅ Completed: %s\n", r.CompletedAt.Format("01/02 15:04"))
		case r.ErrorDetail != nil:
			fmt.Fprintf(&b, "   ❌ Error: %s\n", *r.ErrorDetail)
		}
	}
	fmt.Fprintf(&b, "\nDaily requests used: %d/%d", used, c.User.DailyLimit)
	return rt.reply(ctx, c, b.String())
}

func parseRequestID(arg string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	return id, err == nil && id > 0
}

func (rt *Router) handleCancel(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return usage("❌ Usage: `cancel <request_id>`")
	}
	id, ok := parseRequestID(c.Args[0])
	if !ok {
		return usage("❌ Usage: `cancel <request_id>`")
	}
	r, err := rt.engine.Cancel(ctx, id, c.User)
	if err != nil {
		return err
	}
	return rt.reply(ctx, c, fmt.Sprintf("✅ Request #%d (%s) cancelled.", r.ID, r.Title))
}

func (rt *Router) handleSettings(ctx context.Context, c Command) error {
	u := c.User
	if len(c.Args) == 0 {
		used, err := rt.quota.UsedToday(ctx, u)
		if err != nil {
			return err
		}
		notifications := "Off"
		if u.AutoNotify {
			notifications = "On"
		}
		var b strings.Builder
		b.WriteString("⚙️ **Your Settings:**\n\n")
		fmt.Fprintf(&b, "🔊 **Verbosity:** %s\n", u.Verbosity)
		fmt.Fprintf(&b, "🔔 **Auto Notifications:** %s\n", notifications)
		fmt.Fprintf(&b, "📊 **Daily Limit:** %d\n", u.DailyLimit)
		fmt.Fprintf(&b, "📈 **Today's Requests:** %d/%d\n\n", used, u.DailyLimit)
		b.WriteString("**Change Settings:**\n")
		b.WriteString("• `settings verbosity <verbose/simple/casual>`\n")
		b.WriteString("• `settings notifications <on/off>`")
		return rt.reply(ctx, c, b.String())
	}

	if len(c.Args) < 2 {
		return usage("❌ Invalid setting. Type `settings` to see options.")
	}
	value := strings.ToLower(c.Args[1])
	switch strings.ToLower(c.Args[0]) {
	case "verbosity":
		v, ok := core.ParseVerbosity(value)
		if !ok {
			return usage("❌ Invalid verbosity. Use: verbose, simple, or casual")
		}
		if err := rt.users.SetVerbosity(ctx, u.ID, v); err != nil {
			return core.Collaborator("set verbosity", err)
		}
		return rt.reply(ctx, c, fmt.Sprintf("✅ Verbosity set to '%s'", v))
	case "notifications":
		if value != "on" && value != "off" {
			return usage("❌ Use 'on' or 'off' for notifications")
		}
		if err := rt.users.SetAutoNotify(ctx, u.ID, value == "on"); err != nil {
			return core.Collaborator("set notifications", err)
		}
		return rt.reply(ctx, c, "✅ Auto notifications turned "+value)
	}
	return usage("❌ Invalid setting. Type `settings` to see options.")
}

func (rt *Router) handleCreateGroup(ctx context.Context, c Command) error {
	if len(c.Args) < 2 {
		return usage("❌ Usage: `creategroup <name> <phone1> <phone2>...`")
	}
	name := c.Args[0]
	members := append(append([]string(nil), c.Args[1:]...), c.User.Phone)
	id, err := rt.transport.CreateGroup(ctx, name, members)
	if err != nil {
		rt.log.Error("group creation failed", zap.Int64("user_id", c.User.ID), zap.String("group", name), zap.Error(err))
		return rt.reply(ctx, c, fmt.Sprintf("❌ Failed to create group '%s'", name))
	}
	rt.log.Info("group created", zap.Int64("user_id", c.User.ID), zap.String("group", name), zap.String("group_id", id))
	return rt.reply(ctx, c, fmt.Sprintf("✅ Group '%s' created successfully!", name))
}
