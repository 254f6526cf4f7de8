package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/Cypherspark/signalerr/internal/core"
)

// Fake is an in-memory Service for tests. Titles are matched by
// case-insensitive substring.
type Fake struct {
	mu        sync.Mutex
	media     []Media
	available map[int64]bool
	requested map[int64]bool
	statuses  map[int64]core.ExternalStatus
	nextCorr  int64
	calls     int
	SearchErr error
	SubmitErr error
	StatusErr error
	Submitted []FakeSubmission
	Declined  map[int64]string
}

type FakeSubmission struct {
	Kind    core.MediaKind
	ID      int64
	Seasons []int
}

var _ Service = (*Fake)(nil)

func NewFake(media ...Media) *Fake {
	return &Fake{
		media:     media,
		available: map[int64]bool{},
		requested: map[int64]bool{},
		statuses:  map[int64]core.ExternalStatus{},
		Declined:  map[int64]string{},
		nextCorr:  1000,
	}
}

func (f *Fake) SetAvailable(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[id] = true
}

// SetStatus sets what StatusOf reports for a correlation id.
func (f *Fake) SetStatus(corr int64, s core.ExternalStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[corr] = s
}

// Calls counts every method invocation.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Search(_ context.Context, query string) ([]Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	q := strings.ToLower(query)
	var out []Media
	for _, m := range f.media {
		if strings.Contains(q, strings.ToLower(m.Title)) || strings.Contains(strings.ToLower(m.Title), q) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) Details(_ context.Context, kind core.MediaKind, id int64) (Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, m := range f.media {
		if m.ID == id && m.Kind == kind {
			return m, nil
		}
	}
	return Media{}, core.ErrNotFound
}

func (f *Fake) IsAvailable(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.available[id], nil
}

func (f *Fake) Submit(_ context.Context, kind core.MediaKind, id int64, seasons []int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.SubmitErr != nil {
		return 0, f.SubmitErr
	}
	if f.requested[id] {
		return 0, core.ErrConflict
	}
	f.requested[id] = true
	f.nextCorr++
	f.statuses[f.nextCorr] = core.ExternalApproved
	f.Submitted = append(f.Submitted, FakeSubmission{Kind: kind, ID: id, Seasons: append([]int(nil), seasons...)})
	return f.nextCorr, nil
}

func (f *Fake) StatusOf(_ context.Context, corr int64) (core.ExternalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.StatusErr != nil {
		return 0, f.StatusErr
	}
	s, ok := f.statuses[corr]
	if !ok {
		return 0, core.ErrNotFound
	}
	return s, nil
}

func (f *Fake) Approve(_ context.Context, corr int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, ok := f.statuses[corr]; !ok {
		return core.ErrNotFound
	}
	f.statuses[corr] = core.ExternalApproved
	return nil
}

func (f *Fake) Decline(_ context.Context, corr int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, ok := f.statuses[corr]; !ok {
		return core.ErrNotFound
	}
	f.statuses[corr] = core.ExternalDeclined
	f.Declined[corr] = reason
	return nil
}

func (f *Fake) Ping(context.Context) error { return nil }
