// Package httpapi is the admin console's JSON API and the ops endpoints
// shared by both processes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Server struct {
	Store    store.Store
	Settings *settings.Reader
	APIKey   string
	Clock    clockwork.Clock
	Log      *zap.Logger
}

func NewServer(st store.Store, apiKey string, clock clockwork.Clock, log *zap.Logger) *Server {
	return &Server{
		Store:    st,
		Settings: settings.New(st),
		APIKey:   apiKey,
		Clock:    clock,
		Log:      log.Named("api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.Log), middleware.Recoverer, instrument)

	MountHealth(r, s.Store)
	MountMetrics(r)
	s.mountDocs(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAPIKey(s.APIKey))
		r.Get("/users", s.listUsers)
		r.Post("/users", s.createUser)
		r.Patch("/users/{id}", s.updateUser)
		r.Delete("/users/{id}", s.deactivateUser)
		r.Get("/requests", s.listRequests)
		r.Get("/settings", s.listSettings)
		r.Put("/settings/{key}", s.putSetting)
		r.Get("/logs", s.listLogs)
		r.Get("/stats", s.stats)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store and validation errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var input *core.UserInputError
	switch {
	case errors.As(err, &input):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": input.Msg})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, core.ErrDuplicate):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_exists"})
	default:
		s.Log.Error("admin api failure", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func badRequest(msg string) error { return &core.UserInputError{Msg: msg} }

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid_id")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def, max int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= max {
			return n
		}
	}
	return def
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	users, err := s.Store.ListUsers(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []core.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phone       string `json:"phone_number"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
		Verbosity   string `json:"verbosity_level"`
		DailyLimit  int    `json:"daily_request_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	ctx := r.Context()
	nu := store.NewUser{
		Phone:       strings.TrimSpace(in.Phone),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Role:        core.RoleStandard,
		Verbosity:   s.Settings.DefaultVerbosity(ctx),
		AutoNotify:  true,
		DailyLimit:  s.Settings.DailyLimit(ctx),
		CreatedAt:   s.Clock.Now(),
	}
	if !settings.ValidPhone(nu.Phone) {
		s.writeError(w, r, badRequest("invalid_phone_number"))
		return
	}
	switch core.Role(in.Role) {
	case "", core.RoleStandard:
	case core.RoleAdmin:
		nu.Role = core.RoleAdmin
	default:
		s.writeError(w, r, badRequest("invalid_role"))
		return
	}
	if in.Verbosity != "" {
		v, ok := core.ParseVerbosity(in.Verbosity)
		if !ok {
			s.writeError(w, r, badRequest("invalid_verbosity_level"))
			return
		}
		nu.Verbosity = v
	}
	if in.DailyLimit != 0 {
		if in.DailyLimit < 1 || in.DailyLimit > 1440 {
			s.writeError(w, r, badRequest("invalid_daily_request_limit"))
			return
		}
		nu.DailyLimit = in.DailyLimit
	}
	u, err := s.Store.CreateUser(ctx, nu)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Log.Info("user created", zap.Int64("user_id", u.ID), zap.String("role", string(u.Role)))
	writeJSON(w, http.StatusCreated, u)
}

// updateUser applies each present field through its own store operation,
// after validating all of them.
func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		Verbosity  *string `json:"verbosity_level"`
		AutoNotify *bool   `json:"auto_notifications"`
		DailyLimit *int    `json:"daily_request_limit"`
		Active     *bool   `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	var verbosity core.Verbosity
	if in.Verbosity != nil {
		v, ok := core.ParseVerbosity(*in.Verbosity)
		if !ok {
			s.writeError(w, r, badRequest("invalid_verbosity_level"))
			return
		}
		verbosity = v
	}
	if in.DailyLimit != nil && (*in.DailyLimit < 1 || *in.DailyLimit > 1440) {
		s.writeError(w, r, badRequest("invalid_daily_request_limit"))
		return
	}

	ctx := r.Context()
	if _, err := s.Store.UserByID(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var ops []func() error
	if in.Verbosity != nil {
		ops = append(ops, func() error { return s.Store.SetVerbosity(ctx, id, verbosity) })
	}
	if in.AutoNotify != nil {
		ops = append(ops, func() error { return s.Store.SetAutoNotify(ctx, id, *in.AutoNotify) })
	}
	if in.DailyLimit != nil {
		ops = append(ops, func() error { return s.Store.SetDailyLimit(ctx, id, *in.DailyLimit) })
	}
	if in.Active != nil {
		if *in.Active {
			ops = append(ops, func() error { return s.Store.ReactivateUser(ctx, id) })
		} else {
			ops = append(ops, func() error { return s.Store.DeactivateUser(ctx, id) })
		}
	}
	for _, op := range ops {
		if err := op(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	u, err := s.Store.UserByID(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) deactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.DeactivateUser(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Log.Info("user deactivated", zap.Int64("user_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	f := store.RequestFilter{Limit: queryInt(r, "limit", 50, 500)}
	if f.Limit == 0 {
		f.Limit = 50
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.Status(strings.ToLower(v))
		if !st.Valid() {
			s.writeError(w, r, badRequest("invalid_status"))
			return
		}
		f.Status = &st
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	items, err := s.Store.ListRequests(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []core.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit})
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []core.Setting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var in struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.Settings.Set(r.Context(), key, strings.TrimSpace(*in.Value)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Log.Info("setting changed", zap.String("key", key))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.LogFilter{
		Level:  q.Get("level"),
		Module: q.Get("module"),
		Limit:  queryInt(r, "limit", 100, 1000),
		Offset: queryInt(r, "offset", 0, 1<<20),
	}
	if v := q.Get("user_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.UserID = &id
		}
	}
	items, err := s.Store.ListLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []core.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

var allStatuses = []core.Status{
	core.StatusPending, core.StatusApproved, core.StatusDownloading,
	core.StatusCompleted, core.StatusDeclined, core.StatusFailed,
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.Store.ListUsers(ctx, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active := 0
	for _, u := range all {
		if u.Active {
			active++
		}
	}
	total, err := s.Store.CountRequests(ctx, store.CountFilter{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	week, err := s.Store.CountRequests(ctx, store.CountFilter{From: s.Clock.Now().AddDate(0, 0, -7)})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byStatus := make(map[core.Status]int, len(allStatuses))
	for _, st := range allStatuses {
		st := st
		n, err := s.Store.CountRequests(ctx, store.CountFilter{Status: &st})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		byStatus[st] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users_total":          len(all),
		"users_active":         active,
		"requests_total":       total,
		"requests_last_7_days": week,
		"requests_by_status":   byStatus,
	})
}
