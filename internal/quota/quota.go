// Package quota answers whether a user may create another request today.
package quota

import (
	"context"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/jonboulle/clockwork"
)

// Tracker counts requests created in the current calendar day of the
// clock's location. Counts come from the store on every call.
type Tracker struct {
	requests store.Requests
	clock    clockwork.Clock
	loc      *time.Location
}

func NewTracker(requests store.Requests, clock clockwork.Clock, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{requests: requests, clock: clock, loc: loc}
}

// Day returns the half-open bounds of the current day.
func (t *Tracker) Day() (start, end time.Time) {
	now := t.clock.Now().In(t.loc)
	start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.loc)
	return start, start.AddDate(0, 0, 1)
}

// UsedToday is the number of requests u created today.
func (t *Tracker) UsedToday(ctx context.Context, u core.User) (int, error) {
	start, end := t.Day()
	uid := u.ID
	n, err := t.requests.CountRequests(ctx, store.CountFilter{UserID: &uid, From: start, To: end})
	if err != nil {
		return 0, core.Collaborator("count requests", err)
	}
	return n, nil
}

// CanRequest reports whether u is under the daily limit, along with today's
// count.
func (t *Tracker) CanRequest(ctx context.Context, u core.User) (bool, int, error) {
	used, err := t.UsedToday(ctx, u)
	if err != nil {
		return false, 0, err
	}
	return used < u.DailyLimit, used, nil
}
