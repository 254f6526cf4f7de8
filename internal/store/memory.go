package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
)

// Memory is an in-process Store with the same semantics as Postgres. Used by
// tests and by the bot when no DATABASE_URL is configured.
type Memory struct {
	mu       sync.Mutex
	users    map[int64]core.User
	requests map[int64]core.Request
	settings map[string]core.Setting
	logs     []core.LogEntry
	nextUser int64
	nextReq  int64
	nextLog  int64
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:    map[int64]core.User{},
		requests: map[int64]core.Request{},
		settings: map[string]core.Setting{},
		now:      time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func copyRequest(r core.Request) core.Request {
	if r.Year != nil {
		y := *r.Year
		r.Year = &y
	}
	if r.CorrelationID != nil {
		c := *r.CorrelationID
		r.CorrelationID = &c
	}
	if r.ErrorDetail != nil {
		d := *r.ErrorDetail
		r.ErrorDetail = &d
	}
	if r.CompletedAt != nil {
		c := *r.CompletedAt
		r.CompletedAt = &c
	}
	r.Seasons = slices.Clone(r.Seasons)
	return r
}

// ---- users ----

func (m *Memory) CreateUser(_ context.Context, nu NewUser) (core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone == nu.Phone {
			return core.User{}, core.ErrDuplicate
		}
	}
	m.nextUser++
	at := nu.CreatedAt
	if at.IsZero() {
		at = m.now()
	}
	u := core.User{
		ID:          m.nextUser,
		Phone:       nu.Phone,
		DisplayName: nu.DisplayName,
		Role:        nu.Role,
		Active:      true,
		Verbosity:   nu.Verbosity,
		AutoNotify:  nu.AutoNotify,
		DailyLimit:  nu.DailyLimit,
		CreatedAt:   at,
		LastActive:  at,
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) UserByPhone(_ context.Context, phone string) (core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone == phone {
			return u, nil
		}
	}
	return core.User{}, core.ErrNotFound
}

func (m *Memory) UserByID(_ context.Context, id int64) (core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	return u, nil
}

func (m *Memory) ListUsers(_ context.Context, activeOnly bool) ([]core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.User
	for _, u := range m.users {
		if activeOnly && !u.Active {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) updateUser(id int64, fn func(*core.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return core.ErrNotFound
	}
	fn(&u)
	m.users[id] = u
	return nil
}

func (m *Memory) TouchUser(_ context.Context, id int64, at time.Time) error {
	return m.updateUser(id, func(u *core.User) { u.LastActive = at })
}

func (m *Memory) SetVerbosity(_ context.Context, id int64, v core.Verbosity) error {
	return m.updateUser(id, func(u *core.User) { u.Verbosity = v })
}

func (m *Memory) SetAutoNotify(_ context.Context, id int64, on bool) error {
	return m.updateUser(id, func(u *core.User) { u.AutoNotify = on })
}

func (m *Memory) SetDailyLimit(_ context.Context, id int64, limit int) error {
	if limit < 0 {
		return fmt.Errorf("invalid daily limit %d", limit)
	}
	return m.updateUser(id, func(u *core.User) { u.DailyLimit = limit })
}

func (m *Memory) DeactivateUser(_ context.Context, id int64) error {
	return m.updateUser(id, func(u *core.User) { u.Active = false })
}

func (m *Memory) ReactivateUser(_ context.Context, id int64) error {
	return m.updateUser(id, func(u *core.User) { u.Active = true })
}

// ---- requests ----

func (m *Memory) CreateRequest(_ context.Context, nr NewRequest) (core.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[nr.UserID]; !ok {
		return core.Request{}, core.ErrNotFound
	}
	m.nextReq++
	at := nr.CreatedAt
	if at.IsZero() {
		at = m.now()
	}
	r := core.Request{
		ID:        m.nextReq,
		UserID:    nr.UserID,
		Kind:      nr.Kind,
		CatalogID: nr.CatalogID,
		Title:     nr.Title,
		Year:      nr.Year,
		Status:    core.StatusPending,
		Seasons:   nr.Seasons,
		CreatedAt: at,
		UpdatedAt: at,
	}
	r = copyRequest(r)
	if len(r.Seasons) == 0 {
		r.Seasons = nil
	}
	m.requests[r.ID] = r
	return copyRequest(r), nil
}

func (m *Memory) RequestByID(_ context.Context, id int64) (core.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return core.Request{}, core.ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *Memory) ApplyTransition(_ context.Context, t Transition) (core.Request, error) {
	if !core.CanTransition(t.From, t.To) {
		return core.Request{}, core.ErrIllegalTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[t.RequestID]
	if !ok {
		return core.Request{}, core.ErrNotFound
	}
	if r.Status != t.From {
		return core.Request{}, core.ErrStaleStatus
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	r.CompletedAt = nil
	if t.To == core.StatusCompleted {
		at := t.At
		r.CompletedAt = &at
	}
	r.ErrorDetail = errDetailFor(t)
	if t.CorrelationID != nil {
		c := *t.CorrelationID
		r.CorrelationID = &c
	}
	m.requests[r.ID] = r
	return copyRequest(r), nil
}

// newest first, ties broken by id
func (m *Memory) sortedRequests(keep func(core.Request) bool) []core.Request {
	var out []core.Request
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *Memory) ListUserRequests(_ context.Context, userID int64, limit int) ([]core.Request, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedRequests(func(r core.Request) bool { return r.UserID == userID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveRequests(context.Context) ([]core.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedRequests(func(r core.Request) bool { return !r.Status.Terminal() })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRequests(_ context.Context, f RequestFilter) ([]core.Request, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedRequests(func(r core.Request) bool {
		if f.Status != nil && r.Status != *f.Status {
			return false
		}
		if f.Since != nil && r.CreatedAt.Before(*f.Since) {
			return false
		}
		return true
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountRequests(_ context.Context, f CountFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
			continue
		}
		n++
	}
	return n, nil
}

// ---- settings ----

func (m *Memory) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[key]
	if !ok {
		return "", core.ErrNotFound
	}
	return s.Value, nil
}

func (m *Memory) SetSetting(_ context.Context, key, value, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings[key]
	s.Key, s.Value, s.UpdatedAt = key, value, m.now()
	if description != "" {
		s.Description = description
	}
	m.settings[key] = s
	return nil
}

func (m *Memory) EnsureSetting(_ context.Context, key, value, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[key]; ok {
		return nil
	}
	m.settings[key] = core.Setting{Key: key, Value: value, Description: description, UpdatedAt: m.now()}
	return nil
}

func (m *Memory) ListSettings(context.Context) ([]core.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---- audit log ----

func (m *Memory) AppendLog(_ context.Context, e core.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	e.ID = m.nextLog
	e.Level = strings.ToUpper(e.Level)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *Memory) ListLogs(_ context.Context, f LogFilter) ([]core.LogEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.LogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if f.Level != "" && e.Level != strings.ToUpper(f.Level) {
			continue
		}
		if f.Module != "" && e.Module != f.Module {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		out = append(out, e)
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TrimLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, e := range m.logs {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return n, nil
}
