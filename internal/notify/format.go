// Package notify renders request updates for a user's chosen verbosity and
// delivers them.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
)

// StatusEmoji is the marker used in request listings.
func StatusEmoji(s core.Status) string {
	switch s {
	case core.StatusPending:
		return "⏳"
	case core.StatusApproved:
		return "✅"
	case core.StatusDownloading:
		return "⬇️"
	case core.StatusCompleted:
		return "🎉"
	case core.StatusFailed, core.StatusDeclined:
		return "❌"
	}
	return "❓"
}

// Format renders a status change. It is total: any status without a fixed
// phrase for the tier gets the generic line.
func Format(v core.Verbosity, r core.Request, to core.Status, now time.Time) string {
	title := r.Title
	switch v {
	case core.VerbosityCasual:
		switch to {
		case core.StatusApproved:
			return fmt.Sprintf("👍 '%s' got the green light!", title)
		case core.StatusDownloading:
			return fmt.Sprintf("📥 '%s' is downloadin' now!", title)
		case core.StatusCompleted:
			return fmt.Sprintf("🎉 '%s' is done downloadin'! Enjoy!", title)
		case core.StatusDeclined:
			return fmt.Sprintf("😞 '%s' got declined, sorry!", title)
		case core.StatusFailed:
			return fmt.Sprintf("💥 '%s' failed to download.", title)
		}
	case core.VerbositySimple:
		switch to {
		case core.StatusApproved:
			return fmt.Sprintf("✅ %s - Request approved", title)
		case core.StatusDownloading:
			return fmt.Sprintf("⬇️ %s - Download started", title)
		case core.StatusCompleted:
			return fmt.Sprintf("✅ %s - Download completed!", title)
		case core.StatusDeclined:
			return fmt.Sprintf("❌ %s - Request declined", title)
		case core.StatusFailed:
			return fmt.Sprintf("❌ %s - Download failed", title)
		}
	case core.VerbosityVerbose:
		var b strings.Builder
		b.WriteString("📊 **Status Update**\n\n")
		fmt.Fprintf(&b, "🎬 **Title:** %s\n", r.Label())
		fmt.Fprintf(&b, "🔄 **Status:** %s\n", to.Title())
		fmt.Fprintf(&b, "⏰ **Updated:** %s", now.Format("15:04"))
		switch to {
		case core.StatusCompleted:
			b.WriteString("\n🎉 **Ready to watch!**")
		case core.StatusDownloading:
			b.WriteString("\n📥 **Download in progress...**")
		case core.StatusDeclined, core.StatusFailed:
			if r.ErrorDetail != nil {
				fmt.Fprintf(&b, "\n❌ **Reason:** %s", *r.ErrorDetail)
			}
		}
		return b.String()
	}
	return fmt.Sprintf("Status update: %s - %s", title, to)
}

func seasonRange(seasons []int) string {
	if len(seasons) == 1 {
		return strconv.Itoa(seasons[0])
	}
	return strconv.Itoa(seasons[0]) + "-" + strconv.Itoa(seasons[len(seasons)-1])
}

func humanDelay(d time.Duration) string {
	if d < time.Minute {
		return "a moment"
	}
	m := int(d / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return strconv.Itoa(m) + " minutes"
}

// Confirmation is the reply to a successful submission. checkIn is when the
// first follow-up check will run.
func Confirmation(v core.Verbosity, r core.Request, checkIn time.Duration) string {
	series := r.Kind == core.MediaSeries
	switch v {
	case core.VerbosityCasual:
		seasons := ""
		if series && len(r.Seasons) > 0 {
			seasons = " seasons " + seasonRange(r.Seasons)
		}
		return fmt.Sprintf("👍 Gotcha! Requesting '%s'%s for ya.", r.Title, seasons)
	case core.VerbosityVerbose:
		var b strings.Builder
		b.WriteString("✅ **Request Submitted Successfully**\n\n")
		fmt.Fprintf(&b, "📺 **Title:** %s\n", r.Label())
		kind := "Movie"
		if series {
			kind = "Tv"
		}
		fmt.Fprintf(&b, "🎬 **Type:** %s\n", kind)
		if series && len(r.Seasons) > 0 {
			fmt.Fprintf(&b, "📅 **Seasons:** %s\n", seasonRange(r.Seasons))
		}
		fmt.Fprintf(&b, "⏱️ **Status Check:** I'll update you in %s\n", humanDelay(checkIn))
		b.WriteString("🔄 **Current Status:** Processing request...")
		return b.String()
	}
	seasons := ""
	if series {
		if len(r.Seasons) > 0 {
			seasons = " (Seasons " + seasonRange(r.Seasons) + ")"
		} else {
			seasons = " (All seasons)"
		}
	}
	return fmt.Sprintf("✅ Requested: %s%s\n⏱️ I'll check back in %s!", r.Label(), seasons, humanDelay(checkIn))
}
