package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/db"
)

// Postgres is the pgx-backed Store.
type Postgres struct{ DB *db.DB }

func NewPostgres(d *db.DB) *Postgres { return &Postgres{DB: d} }

var _ Store = (*Postgres)(nil)

const userCols = `id, phone_number, COALESCE(display_name, ''), role, is_active, verbosity_level, auto_notifications, daily_request_limit, created_at, last_active`

const requestCols = `id, user_id, media_type, media_id, title, year, status, overseerr_request_id, seasons_requested, error_message, created_at, updated_at, completed_at`

func scanUser(row pgx.Row) (core.User, error) {
	var u core.User
	var role, verbosity string
	err := row.Scan(&u.ID, &u.Phone, &u.DisplayName, &role, &u.Active, &verbosity, &u.AutoNotify, &u.DailyLimit, &u.CreatedAt, &u.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	u.Role = core.Role(role)
	u.Verbosity = core.Verbosity(verbosity)
	return u, err
}

func scanRequest(row pgx.Row) (core.Request, error) {
	var r core.Request
	var kind, status string
	err := row.Scan(&r.ID, &r.UserID, &kind, &r.CatalogID, &r.Title, &r.Year, &status, &r.CorrelationID, &r.Seasons, &r.ErrorDetail, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Request{}, core.ErrNotFound
	}
	r.Kind = core.MediaKind(kind)
	r.Status = core.Status(status)
	return r, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func execOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.DB.Pool.Ping(ctx) }

// ---- users ----

func (s *Postgres) CreateUser(ctx context.Context, nu NewUser) (core.User, error) {
	var name *string
	if nu.DisplayName != "" {
		name = &nu.DisplayName
	}
	u, err := scanUser(s.DB.Pool.QueryRow(ctx, `
		INSERT INTO users(phone_number, display_name, role, verbosity_level, auto_notifications, daily_request_limit, created_at, last_active)
		VALUES($1,$2,$3,$4,$5,$6,$7,$7)
		RETURNING `+userCols,
		nu.Phone, name, string(nu.Role), string(nu.Verbosity), nu.AutoNotify, nu.DailyLimit, nu.CreatedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return core.User{}, core.ErrDuplicate
	}
	return u, err
}

func (s *Postgres) UserByPhone(ctx context.Context, phone string) (core.User, error) {
	return scanUser(s.DB.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE phone_number=$1`, phone))
}

func (s *Postgres) UserByID(ctx context.Context, id int64) (core.User, error) {
	return scanUser(s.DB.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (s *Postgres) ListUsers(ctx context.Context, activeOnly bool) ([]core.User, error) {
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE ($1 = FALSE OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUser)
}

func (s *Postgres) TouchUser(ctx context.Context, id int64, at time.Time) error {
	return execOne(s.DB.Pool.Exec(ctx, `UPDATE users SET last_active=$2 WHERE id=$1`, id, at))
}

func (s *Postgres) SetVerbosity(ctx context.Context, id int64, v core.Verbosity) error {
	return execOne(s.DB.Pool.Exec(ctx, `UPDATE users SET verbosity_level=$2 WHERE id=$1`, id, string(v)))
}

func (s *Postgres) SetAutoNotify(ctx context.Context, id int64, on bool) error {
	return execOne(s.DB.Pool.Exec(ctx, `UPDATE users SET auto_notifications=$2 WHERE id=$1`, id, on))
}

func (s *Postgres) SetDailyLimit(ctx context.Context, id int64, limit int) error {
	if limit < 0 {
		return fmt.Errorf("invalid daily limit %d", limit)
	}
	return execOne(s.DB.Pool.Exec(ctx, `UPDATE users SET daily_request_limit=$2 WHERE id=$1`, id, limit))
}

func (s *Postgres) DeactivateUser(ctx context.Context, id int64) error {
	return execOne(s.DB.Pool.Exec(ctx, `UPDATE users SET is_active=FALSE WHERE id=$1`, id))
}

func (s *Postgres) ReactivateUser(ctx context.Context, id int64) error {
	return execOne(s.DB.Pool.Exec(ctx, `UPDATE users SET is_active=TRUE WHERE id=$1`, id))
}

// ---- requests ----

func (s *Postgres) CreateRequest(ctx context.Context, nr NewRequest) (core.Request, error) {
	var seasons []int
	if len(nr.Seasons) > 0 {
		seasons = nr.Seasons
	}
	return scanRequest(s.DB.Pool.QueryRow(ctx, `
		INSERT INTO media_requests(user_id, media_type, media_id, title, year, status, seasons_requested, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,'pending',$6,$7,$7)
		RETURNING `+requestCols,
		nr.UserID, string(nr.Kind), nr.CatalogID, nr.Title, nr.Year, seasons, nr.CreatedAt))
}

func (s *Postgres) RequestByID(ctx context.Context, id int64) (core.Request, error) {
	return scanRequest(s.DB.Pool.QueryRow(ctx, `SELECT `+requestCols+` FROM media_requests WHERE id=$1`, id))
}

// ApplyTransition locks the row, checks the expected source status and the
// graph edge, then writes status, timestamps, correlation id and error detail
// in one statement.
func (s *Postgres) ApplyTransition(ctx context.Context, t Transition) (core.Request, error) {
	if !core.CanTransition(t.From, t.To) {
		return core.Request{}, core.ErrIllegalTransition
	}
	var out core.Request
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM media_requests WHERE id=$1 FOR UPDATE`, t.RequestID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		if core.Status(current) != t.From {
			return core.ErrStaleStatus
		}
		var completedAt *time.Time
		if t.To == core.StatusCompleted {
			at := t.At
			completedAt = &at
		}
		out, err = scanRequest(tx.QueryRow(ctx, `
			UPDATE media_requests
			SET status=$2,
			    updated_at=$3,
			    completed_at=$4,
			    error_message=$5,
			    overseerr_request_id=COALESCE($6, overseerr_request_id)
			WHERE id=$1
			RETURNING `+requestCols,
			t.RequestID, string(t.To), t.At, completedAt, errDetailFor(t), t.CorrelationID))
		return err
	})
	return out, err
}

func (s *Postgres) ListUserRequests(ctx context.Context, userID int64, limit int) ([]core.Request, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+requestCols+` FROM media_requests WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRequest)
}

func (s *Postgres) ListActiveRequests(ctx context.Context) ([]core.Request, error) {
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+requestCols+` FROM media_requests WHERE status IN ('pending','approved','downloading') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRequest)
}

func (s *Postgres) ListRequests(ctx context.Context, f RequestFilter) ([]core.Request, error) {
	q := `SELECT ` + requestCols + ` FROM media_requests WHERE TRUE`
	args := []any{}
	idx := 1
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, string(*f.Status))
		idx++
	}
	if f.Since != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.Since)
		idx++
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)
	rows, err := s.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRequest)
}

func (s *Postgres) CountRequests(ctx context.Context, f CountFilter) (int, error) {
	q := `SELECT COUNT(*) FROM media_requests WHERE TRUE`
	args := []any{}
	idx := 1
	if f.UserID != nil {
		q += fmt.Sprintf(" AND user_id=$%d", idx)
		args = append(args, *f.UserID)
		idx++
	}
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, string(*f.Status))
		idx++
	}
	if !f.From.IsZero() {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		q += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, f.To)
	}
	var n int
	err := s.DB.Pool.QueryRow(ctx, q, args...).Scan(&n)
	return n, err
}

// ---- settings ----

func (s *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", core.ErrNotFound
	}
	return v, err
}

func (s *Postgres) SetSetting(ctx context.Context, key, value, description string) error {
	_, err := s.DB.Pool.Exec(ctx, `
		INSERT INTO settings(key, value, description, updated_at) VALUES($1,$2,NULLIF($3,''),now())
		ON CONFLICT (key) DO UPDATE
		SET value=EXCLUDED.value,
		    description=COALESCE(EXCLUDED.description, settings.description),
		    updated_at=now()`, key, value, description)
	return err
}

func (s *Postgres) EnsureSetting(ctx context.Context, key, value, description string) error {
	_, err := s.DB.Pool.Exec(ctx, `
		INSERT INTO settings(key, value, description) VALUES($1,$2,NULLIF($3,''))
		ON CONFLICT (key) DO NOTHING`, key, value, description)
	return err
}

func (s *Postgres) ListSettings(ctx context.Context) ([]core.Setting, error) {
	rows, err := s.DB.Pool.Query(ctx, `SELECT key, value, COALESCE(description,''), updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (core.Setting, error) {
		var st core.Setting
		err := row.Scan(&st.Key, &st.Value, &st.Description, &st.UpdatedAt)
		return st, err
	})
}

// ---- audit log ----

func (s *Postgres) AppendLog(ctx context.Context, e core.LogEntry) error {
	var meta map[string]any
	if len(e.Metadata) > 0 {
		meta = e.Metadata
	}
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.DB.Pool.Exec(ctx, `
		INSERT INTO log_entries(level, message, module, user_id, request_id, extra_data, created_at)
		VALUES(upper($1),$2,NULLIF($3,''),$4,$5,$6,$7)`,
		e.Level, e.Message, e.Module, e.UserID, e.RequestID, meta, at)
	return err
}

func (s *Postgres) ListLogs(ctx context.Context, f LogFilter) ([]core.LogEntry, error) {
	q := `SELECT id, level, message, COALESCE(module,''), user_id, request_id, extra_data, created_at FROM log_entries WHERE TRUE`
	args := []any{}
	idx := 1
	if f.Level != "" {
		q += fmt.Sprintf(" AND level=upper($%d)", idx)
		args = append(args, f.Level)
		idx++
	}
	if f.Module != "" {
		q += fmt.Sprintf(" AND module=$%d", idx)
		args = append(args, f.Module)
		idx++
	}
	if f.UserID != nil {
		q += fmt.Sprintf(" AND user_id=$%d", idx)
		args = append(args, *f.UserID)
		idx++
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)
	rows, err := s.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (core.LogEntry, error) {
		var e core.LogEntry
		err := row.Scan(&e.ID, &e.Level, &e.Message, &e.Module, &e.UserID, &e.RequestID, &e.Metadata, &e.CreatedAt)
		return e, err
	})
}

func (s *Postgres) TrimLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.DB.Pool.Exec(ctx, `DELETE FROM log_entries WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
