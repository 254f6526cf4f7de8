package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/events"
	"github.com/Cypherspark/signalerr/internal/notify"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC)

func req(status core.Status) core.Request {
	y := 1999
	return core.Request{ID: 1, UserID: 1, Kind: core.MediaMovie, Title: "The Matrix", Year: &y, Status: status}
}

func TestFormat_TotalOverTiersAndStatuses(t *testing.T) {
	tiers := []core.Verbosity{core.VerbosityCasual, core.VerbositySimple, core.VerbosityVerbose, core.Verbosity("weird")}
	statuses := append(append([]core.Status{}, core.AllStatuses...), core.Status("archived"))
	for _, v := range tiers {
		for _, s := range statuses {
			out := notify.Format(v, req(s), s, now)
			require.NotEmpty(t, out, "%s/%s", v, s)
			require.Contains(t, out, "The Matrix", "%s/%s", v, s)
		}
	}
}

func TestFormat_Phrasing(t *testing.T) {
	require.Equal(t, "🎉 'The Matrix' is done downloadin'! Enjoy!", notify.Format(core.VerbosityCasual, req(core.StatusCompleted), core.StatusCompleted, now))
	require.Equal(t, "⬇️ The Matrix - Download started", notify.Format(core.VerbositySimple, req(core.StatusDownloading), core.StatusDownloading, now))
	require.Equal(t, "Status update: The Matrix - pending", notify.Format(core.VerbositySimple, req(core.StatusPending), core.StatusPending, now))
	require.Equal(t, "Status update: The Matrix - archived", notify.Format(core.VerbosityCasual, req(""), core.Status("archived"), now))

	verbose := notify.Format(core.VerbosityVerbose, req(core.StatusCompleted), core.StatusCompleted, now)
	require.Contains(t, verbose, "**Title:** The Matrix (1999)")
	require.Contains(t, verbose, "**Status:** Completed")
	require.Contains(t, verbose, "**Updated:** 18:30")
	require.True(t, strings.HasSuffix(verbose, "Ready to watch!**"))

	r := req(core.StatusDeclined)
	detail := "not in our region"
	r.ErrorDetail = &detail
	require.Contains(t, notify.Format(core.VerbosityVerbose, r, core.StatusDeclined, now), "**Reason:** not in our region")
}

func TestConfirmation(t *testing.T) {
	y := 2008
	show := core.Request{Kind: core.MediaSeries, Title: "Breaking Bad", Year: &y, Seasons: []int{2, 3, 4, 5}}
	require.Equal(t, "👍 Gotcha! Requesting 'Breaking Bad' seasons 2-5 for ya.", notify.Confirmation(core.VerbosityCasual, show, 2*time.Minute))
	require.Equal(t, "✅ Requested: Breaking Bad (2008) (Seasons 2-5)\n⏱️ I'll check back in 2 minutes!", notify.Confirmation(core.VerbositySimple, show, 2*time.Minute))

	show.Seasons = nil
	require.Contains(t, notify.Confirmation(core.VerbositySimple, show, 2*time.Minute), "(All seasons)")

	movie := req(core.StatusApproved)
	verbose := notify.Confirmation(core.VerbosityVerbose, movie, time.Minute)
	require.Contains(t, verbose, "**Type:** Movie")
	require.Contains(t, verbose, "I'll update you in 1 minute")
	require.NotContains(t, verbose, "Seasons")
}

type harness struct {
	store *store.Memory
	tr    *transport.Fake
	n     *notify.Notifier
	user  core.User
}

func newHarness(t *testing.T, autoNotify bool) harness {
	t.Helper()
	mem := store.NewMemory()
	u, err := mem.CreateUser(context.Background(), store.NewUser{Phone: "+15551234567", Role: core.RoleStandard, Verbosity: core.VerbositySimple, AutoNotify: autoNotify, DailyLimit: 10})
	require.NoError(t, err)
	tr := transport.NewFake()
	n := notify.NewNotifier(mem, settings.New(mem), tr, events.Audit{Log: mem}, clockwork.NewFakeClockAt(now), zap.NewNop())
	return harness{store: mem, tr: tr, n: n, user: u}
}

func TestNotifier_SendsAndAudits(t *testing.T) {
	h := newHarness(t, true)
	r := req(core.StatusCompleted)
	r.UserID = h.user.ID

	sent, err := h.n.StatusChanged(context.Background(), r)
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, []string{"✅ The Matrix - Download completed!"}, h.tr.SentTo("+15551234567"))

	logs, err := h.store.ListLogs(context.Background(), store.LogFilter{Module: "notify"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestNotifier_RespectsOptOutAndGlobalSwitch(t *testing.T) {
	h := newHarness(t, false)
	r := req(core.StatusCompleted)
	r.UserID = h.user.ID
	sent, err := h.n.StatusChanged(context.Background(), r)
	require.NoError(t, err)
	require.False(t, sent)

	h = newHarness(t, true)
	r.UserID = h.user.ID
	require.NoError(t, settings.New(h.store).Set(context.Background(), settings.KeyAutoNotifications, "false"))
	sent, err = h.n.StatusChanged(context.Background(), r)
	require.NoError(t, err)
	require.False(t, sent)
	require.Empty(t, h.tr.Sent())
}

func TestNotifier_SendFailureIsCollaboratorError(t *testing.T) {
	h := newHarness(t, true)
	h.tr.SendErr = errors.New("signal-cli exited 1")
	r := req(core.StatusCompleted)
	r.UserID = h.user.ID

	_, err := h.n.StatusChanged(context.Background(), r)
	var ce *core.CollaboratorError
	require.ErrorAs(t, err, &ce)

	logs, _ := h.store.ListLogs(context.Background(), store.LogFilter{Level: "warning"})
	require.Len(t, logs, 1)
}
