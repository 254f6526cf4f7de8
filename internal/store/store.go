// Package store is the persistent record of users, requests, settings and
// audit log entries. It holds no business rules beyond the request
// invariants enforced by ApplyTransition.
package store

import (
	"context"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
)

type NewUser struct {
	Phone       string
	DisplayName string
	Role        core.Role
	Verbosity   core.Verbosity
	AutoNotify  bool
	DailyLimit  int
	CreatedAt   time.Time
}

type NewRequest struct {
	UserID    int64
	Kind      core.MediaKind
	CatalogID int64
	Title     string
	Year      *int
	Seasons   []int
	CreatedAt time.Time
}

// Transition is a compare-and-set of a request status. It only applies when
// the stored status still equals From. CorrelationID, when set, is recorded
// alongside. ErrorDetail is stored only for declined/failed targets.
// CompletedAt is stamped with At when To is completed.
type Transition struct {
	RequestID     int64
	From          core.Status
	To            core.Status
	At            time.Time
	CorrelationID *int64
	ErrorDetail   *string
}

type RequestFilter struct {
	Status *core.Status
	Since  *time.Time
	Limit  int
}

// CountFilter bounds are half-open, [From, To). Zero times are unbounded.
type CountFilter struct {
	UserID *int64
	Status *core.Status
	From   time.Time
	To     time.Time
}

type LogFilter struct {
	Level  string
	Module string
	UserID *int64
	Limit  int
	Offset int
}

type Users interface {
	CreateUser(ctx context.Context, u NewUser) (core.User, error)
	UserByPhone(ctx context.Context, phone string) (core.User, error)
	UserByID(ctx context.Context, id int64) (core.User, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]core.User, error)
	TouchUser(ctx context.Context, id int64, at time.Time) error
	SetVerbosity(ctx context.Context, id int64, v core.Verbosity) error
	SetAutoNotify(ctx context.Context, id int64, on bool) error
	SetDailyLimit(ctx context.Context, id int64, limit int) error
	DeactivateUser(ctx context.Context, id int64) error
	ReactivateUser(ctx context.Context, id int64) error
}

type Requests interface {
	CreateRequest(ctx context.Context, r NewRequest) (core.Request, error)
	RequestByID(ctx context.Context, id int64) (core.Request, error)
	ApplyTransition(ctx context.Context, t Transition) (core.Request, error)
	ListUserRequests(ctx context.Context, userID int64, limit int) ([]core.Request, error)
	// ListActiveRequests returns every request in a non-terminal status.
	ListActiveRequests(ctx context.Context) ([]core.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]core.Request, error)
	CountRequests(ctx context.Context, f CountFilter) (int, error)
}

type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value, description string) error
	// EnsureSetting writes the value only when the key is absent.
	EnsureSetting(ctx context.Context, key, value, description string) error
	ListSettings(ctx context.Context) ([]core.Setting, error)
}

type AuditLog interface {
	AppendLog(ctx context.Context, e core.LogEntry) error
	ListLogs(ctx context.Context, f LogFilter) ([]core.LogEntry, error)
	TrimLogs(ctx context.Context, before time.Time) (int64, error)
}

type Store interface {
	Users
	Requests
	Settings
	AuditLog
	Ping(ctx context.Context) error
}

func errDetailFor(t Transition) *string {
	if !t.To.Unsuccessful() {
		return nil
	}
	if t.ErrorDetail != nil && *t.ErrorDetail != "" {
		d := *t.ErrorDetail
		return &d
	}
	d := "request " + string(t.To)
	return &d
}
