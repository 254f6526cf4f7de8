package core

import (
	"strconv"
	"time"
)

type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

// Verbosity is the phrasing tier a user picked for notifications.
type Verbosity string

const (
	VerbosityVerbose Verbosity = "verbose"
	VerbositySimple  Verbosity = "simple"
	VerbosityCasual  Verbosity = "casual"
)

// ParseVerbosity accepts the lower-case tier names.
func ParseVerbosity(s string) (Verbosity, bool) {
	switch Verbosity(s) {
	case VerbosityVerbose, VerbositySimple, VerbosityCasual:
		return Verbosity(s), true
	}
	return "", false
}

type MediaKind string

const (
	MediaMovie  MediaKind = "movie"
	MediaSeries MediaKind = "tv"
)

type User struct {
	ID          int64     `json:"id"`
	Phone       string    `json:"phone_number"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	Active      bool      `json:"is_active"`
	Verbosity   Verbosity `json:"verbosity_level"`
	AutoNotify  bool      `json:"auto_notifications"`
	DailyLimit  int       `json:"daily_request_limit"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type Request struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Kind          MediaKind  `json:"media_type"`
	CatalogID     int64      `json:"media_id"`
	Title         string     `json:"title"`
	Year          *int       `json:"year,omitempty"`
	Status        Status     `json:"status"`
	CorrelationID *int64     `json:"overseerr_request_id,omitempty"`
	Seasons       []int      `json:"seasons_requested,omitempty"`
	ErrorDetail   *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Label is the display title with the release year when known.
func (r Request) Label() string {
	if r.Year != nil {
		return r.Title + " (" + strconv.Itoa(*r.Year) + ")"
	}
	return r.Title
}

type LogEntry struct {
	ID        int64          `json:"id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Module    string         `json:"module,omitempty"`
	UserID    *int64         `json:"user_id,omitempty"`
	RequestID *int64         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
