package router

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Cypherspark/signalerr/internal/catalog"
	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/events"
	"github.com/Cypherspark/signalerr/internal/lifecycle"
	"github.com/Cypherspark/signalerr/internal/notify"
	"github.com/Cypherspark/signalerr/internal/quota"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	userPhone  = "+15551230001"
	adminPhone = "+15551230002"
)

type recordedCheck struct {
	id    int64
	delay time.Duration
}

type fakeChecks struct {
	mu     sync.Mutex
	checks []recordedCheck
	clock  clockwork.Clock
}

func (f *fakeChecks) ScheduleCheck(id int64, delay time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, recordedCheck{id, delay})
	return f.clock.Now().Add(delay)
}

type harness struct {
	t      *testing.T
	mem    *store.Memory
	cat    *catalog.Fake
	tr     *transport.Fake
	clock  *clockwork.FakeClock
	checks *fakeChecks
	rt     *Router
	user   core.User
	admin  core.User
}

func year(y int) *int { return &y }

func newHarness(t *testing.T, media ...catalog.Media) *harness {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	st := settings.New(mem)
	require.NoError(t, st.Seed(ctx, []string{adminPhone}))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	user, err := mem.CreateUser(ctx, store.NewUser{Phone: userPhone, Role: core.RoleStandard, Verbosity: core.VerbositySimple, AutoNotify: true, DailyLimit: 10})
	require.NoError(t, err)
	admin, err := mem.CreateUser(ctx, store.NewUser{Phone: adminPhone, Role: core.RoleAdmin, Verbosity: core.VerbositySimple, AutoNotify: true, DailyLimit: 10})
	require.NoError(t, err)

	cat := catalog.NewFake(media...)
	tr := transport.NewFake()
	ev := events.Audit{Log: mem}
	checks := &fakeChecks{clock: clock}
	eng := lifecycle.NewEngine(mem, cat, ev, clock, zap.NewNop())
	rt := New(Deps{
		Users:     mem,
		Requests:  mem,
		Settings:  st,
		Catalog:   cat,
		Engine:    eng,
		Quota:     quota.NewTracker(mem, clock, time.UTC),
		Checks:    checks,
		Notifier:  notify.NewNotifier(mem, st, tr, ev, clock, zap.NewNop()),
		Transport: tr,
		Clock:     clock,
		Log:       zap.NewNop(),
	})
	return &harness{t: t, mem: mem, cat: cat, tr: tr, clock: clock, checks: checks, rt: rt, user: user, admin: admin}
}

func (h *harness) send(u core.User, text string) error {
	h.t.Helper()
	return h.rt.Handle(context.Background(), u, transport.Event{Sender: u.Phone, Text: text})
}

// lastReply is the most recent message sent to phone.
func (h *harness) lastReply(phone string) string {
	h.t.Helper()
	msgs := h.tr.SentTo(phone)
	require.NotEmpty(h.t, msgs, "no reply to %s", phone)
	return msgs[len(msgs)-1]
}

func (h *harness) requests(u core.User) []core.Request {
	h.t.Helper()
	rs, err := h.mem.ListUserRequests(context.Background(), u.ID, 100)
	require.NoError(h.t, err)
	return rs
}

var matrix = catalog.Media{ID: 603, Kind: core.MediaMovie, Title: "The Matrix", Year: year(1999)}

func TestParse(t *testing.T) {
	verb, args := Parse("  /Request   The  Matrix ")
	require.Equal(t, "request", verb)
	require.Equal(t, []string{"The", "Matrix"}, args)

	verb, args = Parse("   ")
	require.Empty(t, verb)
	require.Empty(t, args)
}

func TestEveryKindHasVerbsAndRole(t *testing.T) {
	admin := map[Kind]bool{KindAddUser: true, KindRemoveUser: true, KindListUsers: true, KindApprove: true, KindDecline: true, KindBroadcast: true, KindStats: true}
	for k := KindHelp; k < kindCount; k++ {
		cs := commandTable[k]
		require.NotEmpty(t, cs.verbs, "kind %d has no verbs", k)
		for _, v := range cs.verbs {
			require.Equal(t, k, Classify(v))
		}
		require.Equal(t, admin[k], k.AdminOnly(), k.String())
	}
	require.Equal(t, KindNatural, Classify("inception"))
	require.Equal(t, KindMyRequests, Classify("list-my-requests"))
	require.Equal(t, KindAddUser, Classify("add-user"))
}

func TestDeriveSeasons(t *testing.T) {
	cases := []struct {
		text  string
		total int
		want  []int
	}{
		{"request Show seasons 2-4", 6, []int{2, 3, 4}},
		{"Show season 3", 6, []int{3}},
		{"Show seasons 4 – 2", 6, []int{2, 3, 4}},
		{"request Show latest", 6, []int{3, 4, 5, 6}},
		{"Show recent", 2, []int{1, 2}},
		{"Show", 5, []int{2, 3, 4, 5}},
		{"Show", 4, []int{1, 2, 3, 4}},
		{"Show", 3, nil},
		{"Show latest", 0, nil},
		{"Newsroom", 3, nil},
	}
	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			got := DeriveSeasons(c.text, c.total)
			if c.want == nil {
				require.Empty(t, got)
				return
			}
			require.Equal(t, c.want, got)
		})
	}
}

func TestRequest_EndToEnd(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.user, "request The Matrix"))

	reqs := h.requests(h.user)
	require.Len(t, reqs, 1)
	require.Equal(t, core.StatusApproved, reqs[0].Status)
	require.NotNil(t, reqs[0].CorrelationID)

	sent := h.tr.SentTo(userPhone)
	require.Len(t, sent, 1, "exactly one confirmation")
	require.Equal(t, "✅ Requested: The Matrix (1999)\n⏱️ I'll check back in 2 minutes!", sent[0])

	require.Equal(t, []recordedCheck{{reqs[0].ID, 2 * time.Minute}}, h.checks.checks)
}

func TestNaturalTextIsARequest(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.user, "the matrix"))
	require.Len(t, h.requests(h.user), 1)
}

func TestRequest_SeriesSeasons(t *testing.T) {
	show := catalog.Media{ID: 1396, Kind: core.MediaSeries, Title: "Show", SeasonCount: 6}
	h := newHarness(t, show)

	require.NoError(t, h.send(h.user, "request Show seasons 2-4"))
	require.Equal(t, []int{2, 3, 4}, h.cat.Submitted[0].Seasons)
	require.Equal(t, []int{2, 3, 4}, h.requests(h.user)[0].Seasons)
	require.Contains(t, h.lastReply(userPhone), "(Seasons 2-4)")
}

func TestRequest_ShortSeriesRequestsAllSeasons(t *testing.T) {
	short := catalog.Media{ID: 77, Kind: core.MediaSeries, Title: "Short Show"}
	h := newHarness(t, short)
	require.NoError(t, h.send(h.user, "request Short Show"))
	require.Empty(t, h.cat.Submitted[0].Seasons)
	require.Contains(t, h.lastReply(userPhone), "(All seasons)")
}

func TestRequest_QuotaExhausted(t *testing.T) {
	h := newHarness(t, matrix)
	ctx := context.Background()
	require.NoError(t, h.mem.SetDailyLimit(ctx, h.user.ID, 1))
	u, err := h.mem.UserByID(ctx, h.user.ID)
	require.NoError(t, err)
	_, err = h.mem.CreateRequest(ctx, store.NewRequest{UserID: u.ID, Kind: core.MediaMovie, CatalogID: 1, Title: "Earlier", CreatedAt: h.clock.Now()})
	require.NoError(t, err)

	require.NoError(t, h.send(u, "request The Matrix"))
	require.Equal(t, "❌ You've reached your daily request limit (1). Try again tomorrow!", h.lastReply(userPhone))
	require.Zero(t, h.cat.Calls())
	require.Len(t, h.requests(u), 1)
}

func TestRequest_NoResultsAndAlreadyAvailable(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.user, "request Nothing Like It"))
	require.Equal(t, "❌ No results found for 'Nothing Like It'. Try a different search term.", h.lastReply(userPhone))

	h.cat.SetAvailable(matrix.ID)
	require.NoError(t, h.send(h.user, "request The Matrix"))
	require.Equal(t, "✅ 'The Matrix' is already available!", h.lastReply(userPhone))
	require.Empty(t, h.requests(h.user))
}

func TestRequest_ConflictIsPhrasedDistinctly(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.admin, "request The Matrix"))
	require.NoError(t, h.send(h.user, "request The Matrix"))

	require.Equal(t, "ℹ️ 'The Matrix' has already been requested.", h.lastReply(userPhone))
	r := h.requests(h.user)[0]
	require.Equal(t, core.StatusFailed, r.Status)
	require.Equal(t, lifecycle.DetailConflict, *r.ErrorDetail)
	require.Len(t, h.checks.checks, 1, "no follow-up for the failed submission")
}

func TestRequest_SubmitFailureIsReportedNotRetried(t *testing.T) {
	h := newHarness(t, matrix)
	h.cat.SubmitErr = errors.New("overseerr returned status 500")
	require.NoError(t, h.send(h.user, "request The Matrix"))

	require.Equal(t, "❌ Failed to request 'The Matrix': overseerr returned status 500", h.lastReply(userPhone))
	require.Equal(t, core.StatusFailed, h.requests(h.user)[0].Status)
	require.Empty(t, h.checks.checks)
}

func TestCollaboratorErrorGetsGenericReplyAndIsReturned(t *testing.T) {
	h := newHarness(t, matrix)
	h.cat.SearchErr = errors.New("connection refused")
	err := h.send(h.user, "search matrix")
	require.Error(t, err)
	var ce *core.CollaboratorError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, msgGenericFailure, h.lastReply(userPhone))
}

func TestAdminVerbsAreDeniedToStandardUsers(t *testing.T) {
	h := newHarness(t)
	for _, text := range []string{"stats", "adduser +15550000009", "broadcast hi", "/approve 1"} {
		require.NoError(t, h.send(h.user, text))
		require.Equal(t, msgPermissionDenied, h.lastReply(userPhone), text)
	}
	users, err := h.mem.ListUsers(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, users, 2)
}

func TestUnknownCommandsAreNotGuessed(t *testing.T) {
	h := newHarness(t, matrix)
	for _, text := range []string{"/frobnicate", "helpme", "helpp", "stats2"} {
		require.NoError(t, h.send(h.user, text))
		require.Equal(t, msgUnknownCommand, h.lastReply(userPhone), text)
	}
	require.Zero(t, h.cat.Calls())
}

func TestTitlesStartingWithAVerbAreRequests(t *testing.T) {
	cases := map[string]bool{
		"/foo":         true,
		"/searching":   true,
		"helpp":        true,
		"requests":     true,
		"stats2 now":   true,
		"Searching":    false,
		"Cancelled":    false,
		"Helpless":     false,
		"helpers club": false,
		"the matrix":   false,
	}
	for text, want := range cases {
		require.Equal(t, want, looksLikeCommand(text), text)
	}

	searching := catalog.Media{ID: 489999, Kind: core.MediaMovie, Title: "Searching"}
	h := newHarness(t, searching)
	require.NoError(t, h.send(h.user, "Searching"))
	require.Len(t, h.requests(h.user), 1)
	require.NotEqual(t, msgUnknownCommand, h.lastReply(userPhone))
}

func TestGroupMessagesAreAnsweredInTheGroup(t *testing.T) {
	h := newHarness(t)
	err := h.rt.Handle(context.Background(), h.user, transport.Event{Sender: userPhone, Text: "help", GroupID: "grp"})
	require.NoError(t, err)
	sent := h.tr.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, transport.Group("grp"), sent[0].To)
}

func TestHelpListsAdminCommandsOnlyForAdmins(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.send(h.user, "help"))
	require.NotContains(t, h.lastReply(userPhone), "Admin Commands")
	require.NoError(t, h.send(h.admin, "HELP"))
	require.Contains(t, h.lastReply(adminPhone), "Admin Commands")
}

func TestSearchListsTopFive(t *testing.T) {
	var media []catalog.Media
	for i := 1; i <= 7; i++ {
		media = append(media, catalog.Media{ID: int64(i), Kind: core.MediaMovie, Title: "Marvel " + string(rune('A'+i))})
	}
	h := newHarness(t, media...)
	require.NoError(t, h.send(h.user, "search marvel"))
	reply := h.lastReply(userPhone)
	require.Contains(t, reply, "5. Marvel")
	require.NotContains(t, reply, "6. Marvel")
}

func TestStatusAndMyRequests(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.user, "status"))
	require.Equal(t, "📭 You haven't made any requests yet.", h.lastReply(userPhone))

	require.NoError(t, h.send(h.user, "request The Matrix"))
	require.NoError(t, h.send(h.user, "status"))
	require.Equal(t, "📊 **Your Recent Requests:**\n\n✅ The Matrix (1999) - Approved", h.lastReply(userPhone))

	require.NoError(t, h.send(h.user, "myrequest"))
	reply := h.lastReply(userPhone)
	require.True(t, strings.HasPrefix(reply, "📋 **All Your Requests (1):**"))
	require.Contains(t, reply, "Daily requests used: 1/10")
}

func TestSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(h.user, "settings verbosity casual"))
	require.Equal(t, "✅ Verbosity set to 'casual'", h.lastReply(userPhone))
	require.NoError(t, h.send(h.user, "settings notifications off"))

	u, err := h.mem.UserByID(ctx, h.user.ID)
	require.NoError(t, err)
	require.Equal(t, core.VerbosityCasual, u.Verbosity)
	require.False(t, u.AutoNotify)

	require.NoError(t, h.send(h.user, "settings verbosity loud"))
	require.Equal(t, "❌ Invalid verbosity. Use: verbose, simple, or casual", h.lastReply(userPhone))

	require.NoError(t, h.send(u, "settings"))
	require.Contains(t, h.lastReply(userPhone), "🔔 **Auto Notifications:** Off")
}

func TestCancel(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.user, "request The Matrix"))
	r := h.requests(h.user)[0]

	require.NoError(t, h.send(h.admin, "cancel 1"))
	require.Equal(t, "❌ Request #1 not found.", h.lastReply(adminPhone), "only the owner may cancel")

	require.NoError(t, h.send(h.user, "cancel #1"))
	require.Equal(t, "✅ Request #1 (The Matrix) cancelled.", h.lastReply(userPhone))
	got, err := h.mem.RequestByID(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusDeclined, got.Status)
	require.Equal(t, lifecycle.DetailCancelled, *got.ErrorDetail)

	require.NoError(t, h.send(h.user, "cancel abc"))
	require.Equal(t, "❌ Usage: `cancel <request_id>`", h.lastReply(userPhone))
}

func TestAddRemoveAndReactivateUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const phone = "+15557654321"

	require.NoError(t, h.send(h.admin, "adduser "+phone+" Jo Doe"))
	require.Equal(t, "✅ Added user: "+phone, h.lastReply(adminPhone))
	require.Equal(t, welcomeText, h.lastReply(phone))
	u, err := h.mem.UserByPhone(ctx, phone)
	require.NoError(t, err)
	require.Equal(t, "Jo Doe", u.DisplayName)
	require.Equal(t, core.VerbositySimple, u.Verbosity)
	require.Equal(t, 10, u.DailyLimit)

	require.NoError(t, h.send(h.admin, "adduser "+phone))
	require.Equal(t, "❌ User "+phone+" already exists", h.lastReply(adminPhone))

	require.NoError(t, h.send(h.admin, "remove-user "+phone))
	require.Equal(t, "✅ Removed user: "+phone, h.lastReply(adminPhone))
	u, err = h.mem.UserByPhone(ctx, phone)
	require.NoError(t, err)
	require.False(t, u.Active)

	require.NoError(t, h.send(h.admin, "adduser "+phone))
	require.Equal(t, "✅ Reactivated user: "+phone, h.lastReply(adminPhone))

	require.NoError(t, h.send(h.admin, "adduser 12345"))
	require.Equal(t, "❌ Invalid phone number format: 12345", h.lastReply(adminPhone))
}

func TestApproveAndDecline(t *testing.T) {
	h := newHarness(t, matrix)
	ctx := context.Background()

	r, err := h.mem.CreateRequest(ctx, store.NewRequest{UserID: h.user.ID, Kind: core.MediaMovie, CatalogID: 5, Title: "Pending", CreatedAt: h.clock.Now()})
	require.NoError(t, err)
	require.NoError(t, h.send(h.admin, "decline "+itoa(r.ID)+" not on the list"))
	require.Equal(t, "✅ Declined request #"+itoa(r.ID)+": Pending", h.lastReply(adminPhone))
	got, err := h.mem.RequestByID(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, "not on the list", *got.ErrorDetail)
	require.Equal(t, "❌ Pending - Request declined", h.lastReply(userPhone), "owner hears about the decision")

	require.NoError(t, h.send(h.admin, "approve "+itoa(r.ID)))
	require.Equal(t, "❌ Request #"+itoa(r.ID)+" is declined and cannot be approved.", h.lastReply(adminPhone))
}

func TestBroadcastAndStats(t *testing.T) {
	h := newHarness(t, matrix)
	require.NoError(t, h.send(h.admin, "broadcast Server maintenance tonight"))
	require.Equal(t, "📢 **Announcement**\n\nServer maintenance tonight", h.lastReply(userPhone))
	require.Contains(t, h.lastReply(adminPhone), "✅ Broadcast sent to 2 users")

	require.NoError(t, h.send(h.user, "request The Matrix"))
	require.NoError(t, h.send(h.admin, "stats"))
	reply := h.lastReply(adminPhone)
	require.Contains(t, reply, "👥 **Total Users:** 2")
	require.Contains(t, reply, "📋 **Requests (7 days):** 1")
	require.Contains(t, reply, "🟢 **Overseerr:** Connected")
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
