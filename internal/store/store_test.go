package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	database "github.com/Cypherspark/signalerr/internal/db"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/stretchr/testify/require"
)

// Every case runs against both implementations so the in-memory store stays
// a faithful stand-in.
func eachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemory()) })
	t.Run("postgres", func(t *testing.T) {
		pg := database.StartTestPostgres(t)
		fn(t, store.NewPostgres(pg))
	})
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func createUser(t *testing.T, s store.Store, phone string) core.User {
	u, err := s.CreateUser(context.Background(), store.NewUser{
		Phone: phone, Role: core.RoleStandard, Verbosity: core.VerbositySimple,
		AutoNotify: true, DailyLimit: 10, CreatedAt: t0,
	})
	require.NoError(t, err)
	return u
}

func createRequest(t *testing.T, s store.Store, uid int64, title string, at time.Time) core.Request {
	r, err := s.CreateRequest(context.Background(), store.NewRequest{
		UserID: uid, Kind: core.MediaMovie, CatalogID: 603, Title: title, CreatedAt: at,
	})
	require.NoError(t, err)
	return r
}

func TestUsers(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550001")
		require.True(t, u.Active)

		_, err := s.CreateUser(ctx, store.NewUser{Phone: "+15550001", Role: core.RoleStandard, Verbosity: core.VerbositySimple, CreatedAt: t0})
		require.ErrorIs(t, err, core.ErrDuplicate)

		got, err := s.UserByPhone(ctx, "+15550001")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)

		_, err = s.UserByPhone(ctx, "+19999999")
		require.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, s.SetVerbosity(ctx, u.ID, core.VerbosityCasual))
		require.NoError(t, s.SetAutoNotify(ctx, u.ID, false))
		require.NoError(t, s.SetDailyLimit(ctx, u.ID, 3))
		require.NoError(t, s.DeactivateUser(ctx, u.ID))
		got, err = s.UserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, core.VerbosityCasual, got.Verbosity)
		require.False(t, got.AutoNotify)
		require.Equal(t, 3, got.DailyLimit)
		require.False(t, got.Active)

		active, err := s.ListUsers(ctx, true)
		require.NoError(t, err)
		require.Empty(t, active)
		require.NoError(t, s.ReactivateUser(ctx, u.ID))
		active, err = s.ListUsers(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)

		require.ErrorIs(t, s.TouchUser(ctx, 9999, t0), core.ErrNotFound)
	})
}

func TestApplyTransition_CompareAndSet(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550002")
		r := createRequest(t, s, u.ID, "The Matrix", t0)
		require.Equal(t, core.StatusPending, r.Status)
		require.Nil(t, r.CompletedAt)

		corr := int64(77)
		r, err := s.ApplyTransition(ctx, store.Transition{RequestID: r.ID, From: core.StatusPending, To: core.StatusApproved, At: t0.Add(time.Minute), CorrelationID: &corr})
		require.NoError(t, err)
		require.Equal(t, core.StatusApproved, r.Status)
		require.Equal(t, int64(77), *r.CorrelationID)

		_, err = s.ApplyTransition(ctx, store.Transition{RequestID: r.ID, From: core.StatusPending, To: core.StatusDownloading, At: t0})
		require.ErrorIs(t, err, core.ErrStaleStatus)

		_, err = s.ApplyTransition(ctx, store.Transition{RequestID: r.ID, From: core.StatusApproved, To: core.StatusPending, At: t0})
		require.ErrorIs(t, err, core.ErrIllegalTransition)

		done := t0.Add(time.Hour)
		r, err = s.ApplyTransition(ctx, store.Transition{RequestID: r.ID, From: core.StatusApproved, To: core.StatusCompleted, At: done})
		require.NoError(t, err)
		require.NotNil(t, r.CompletedAt)
		require.True(t, r.CompletedAt.Equal(done))
		require.Nil(t, r.ErrorDetail)
		require.Equal(t, int64(77), *r.CorrelationID, "correlation id survives later transitions")

		_, err = s.ApplyTransition(ctx, store.Transition{RequestID: 424242, From: core.StatusPending, To: core.StatusApproved, At: t0})
		require.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestApplyTransition_FailureCarriesDetail(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550003")
		a := createRequest(t, s, u.ID, "A", t0)
		b := createRequest(t, s, u.ID, "B", t0)

		detail := "catalog unreachable"
		got, err := s.ApplyTransition(ctx, store.Transition{RequestID: a.ID, From: core.StatusPending, To: core.StatusFailed, At: t0, ErrorDetail: &detail})
		require.NoError(t, err)
		require.Equal(t, detail, *got.ErrorDetail)

		got, err = s.ApplyTransition(ctx, store.Transition{RequestID: b.ID, From: core.StatusPending, To: core.StatusDeclined, At: t0})
		require.NoError(t, err)
		require.Equal(t, "request declined", *got.ErrorDetail)
		require.Nil(t, got.CompletedAt)
	})
}

func TestApplyTransition_ConcurrentSingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550004")
		r := createRequest(t, s, u.ID, "Race", t0)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ApplyTransition(ctx, store.Transition{RequestID: r.ID, From: core.StatusPending, To: core.StatusApproved, At: t0}); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
	})
}

func TestCountAndListRequests(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550005")
		other := createUser(t, s, "+15550006")
		day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
		createRequest(t, s, u.ID, "yesterday", day.Add(-time.Minute))
		createRequest(t, s, u.ID, "morning", day.Add(time.Hour))
		createRequest(t, s, u.ID, "evening", day.Add(20*time.Hour))
		createRequest(t, s, other.ID, "someone else", day.Add(time.Hour))

		n, err := s.CountRequests(ctx, store.CountFilter{UserID: &u.ID, From: day, To: day.Add(24 * time.Hour)})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = s.CountRequests(ctx, store.CountFilter{})
		require.NoError(t, err)
		require.Equal(t, 4, n)

		mine, err := s.ListUserRequests(ctx, u.ID, 2)
		require.NoError(t, err)
		require.Len(t, mine, 2)
		require.Equal(t, "evening", mine[0].Title)
		require.Equal(t, "morning", mine[1].Title)

		active, err := s.ListActiveRequests(ctx)
		require.NoError(t, err)
		require.Len(t, active, 4)

		pending := core.StatusPending
		all, err := s.ListRequests(ctx, store.RequestFilter{Status: &pending, Since: &day})
		require.NoError(t, err)
		require.Len(t, all, 3)
	})
}

func TestSeasonsRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550007")
		y := 2008
		r, err := s.CreateRequest(ctx, store.NewRequest{UserID: u.ID, Kind: core.MediaSeries, CatalogID: 1396, Title: "Breaking Bad", Year: &y, Seasons: []int{2, 3, 4, 5}, CreatedAt: t0})
		require.NoError(t, err)
		got, err := s.RequestByID(ctx, r.ID)
		require.NoError(t, err)
		require.Equal(t, []int{2, 3, 4, 5}, got.Seasons)
		require.Equal(t, 2008, *got.Year)
	})
}

func TestSettings(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		_, err := s.GetSetting(ctx, "maintenance_mode")
		require.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, s.EnsureSetting(ctx, "maintenance_mode", "false", "Maintenance"))
		require.NoError(t, s.SetSetting(ctx, "maintenance_mode", "true", ""))
		require.NoError(t, s.EnsureSetting(ctx, "maintenance_mode", "false", "Maintenance"))

		v, err := s.GetSetting(ctx, "maintenance_mode")
		require.NoError(t, err)
		require.Equal(t, "true", v)

		all, err := s.ListSettings(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, "Maintenance", all[0].Description)
	})
}

func TestAuditLog(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		u := createUser(t, s, "+15550008")
		old := t0.Add(-48 * time.Hour)
		require.NoError(t, s.AppendLog(ctx, core.LogEntry{Level: "info", Message: "old", Module: "bot", CreatedAt: old}))
		require.NoError(t, s.AppendLog(ctx, core.LogEntry{Level: "error", Message: "boom", Module: "router", UserID: &u.ID, CreatedAt: t0, Metadata: map[string]any{"cmd": "status"}}))

		got, err := s.ListLogs(ctx, store.LogFilter{Level: "ERROR"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "boom", got[0].Message)
		require.Equal(t, "status", got[0].Metadata["cmd"])

		got, err = s.ListLogs(ctx, store.LogFilter{UserID: &u.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)

		n, err := s.TrimLogs(ctx, t0.Add(-time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		got, err = s.ListLogs(ctx, store.LogFilter{})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})
}
