// Package lifecycle owns the request state machine. Every mutation of a
// request goes through an Engine method holding that request's lock, and
// every write is a compare-and-set against the status that was read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cypherspark/signalerr/internal/catalog"
	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/events"
	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DetailConflict  = "already requested"
	DetailCancelled = "cancelled by user"
)

type Engine struct {
	requests store.Requests
	catalog  catalog.Service
	events   events.Publisher
	clock    clockwork.Clock
	log      *zap.Logger
	locks    *keyedMutex
}

func NewEngine(requests store.Requests, cat catalog.Service, ev events.Publisher, clock clockwork.Clock, log *zap.Logger) *Engine {
	if ev == nil {
		ev = events.Nop{}
	}
	return &Engine{
		requests: requests,
		catalog:  cat,
		events:   ev,
		clock:    clock,
		log:      log.Named("lifecycle"),
		locks:    newKeyedMutex(),
	}
}

// NewRequest describes what a user asked for.
type NewRequest struct {
	Kind      core.MediaKind
	CatalogID int64
	Title     string
	Year      *int
	Seasons   []int
}

// Create records a pending request for u.
func (e *Engine) Create(ctx context.Context, u core.User, nr NewRequest) (core.Request, error) {
	var seasons []int
	if nr.Kind == core.MediaSeries {
		seasons = nr.Seasons
	}
	r, err := e.requests.CreateRequest(ctx, store.NewRequest{
		UserID:    u.ID,
		Kind:      nr.Kind,
		CatalogID: nr.CatalogID,
		Title:     nr.Title,
		Year:      nr.Year,
		Seasons:   seasons,
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		return core.Request{}, core.Collaborator("create request", err)
	}
	e.log.Info("request created",
		zap.Int64("request_id", r.ID), zap.Int64("user_id", u.ID),
		zap.String("title", r.Title), zap.String("kind", string(r.Kind)))
	ev := events.New(events.RequestCreated, "lifecycle", r.CreatedAt)
	ev.UserID, ev.RequestID, ev.To = u.ID, r.ID, r.Status
	_ = e.events.Publish(ctx, ev)
	return r, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (core.Request, error) {
	return e.requests.RequestByID(ctx, id)
}

// transition writes from -> to and emits the event. Callers hold the lock.
func (e *Engine) transition(ctx context.Context, r core.Request, to core.Status, corr *int64, detail string) (core.Request, error) {
	t := store.Transition{RequestID: r.ID, From: r.Status, To: to, At: e.clock.Now(), CorrelationID: corr}
	if detail != "" {
		t.ErrorDetail = &detail
	}
	out, err := e.requests.ApplyTransition(ctx, t)
	if err != nil {
		if errors.Is(err, core.ErrIllegalTransition) || errors.Is(err, core.ErrStaleStatus) {
			return core.Request{}, fmt.Errorf("request %d %s -> %s: %w", r.ID, r.Status, to, err)
		}
		return core.Request{}, core.Collaborator("apply transition", err)
	}
	metrics.Transitions.WithLabelValues(string(r.Status), string(to)).Inc()
	e.log.Info("request transitioned",
		zap.Int64("request_id", r.ID), zap.Int64("user_id", r.UserID),
		zap.String("from", string(r.Status)), zap.String("to", string(to)))
	ev := events.New(events.RequestTransition, "lifecycle", t.At)
	ev.UserID, ev.RequestID, ev.From, ev.To = r.UserID, r.ID, r.Status, to
	if out.ErrorDetail != nil {
		ev.Detail = *out.ErrorDetail
	}
	_ = e.events.Publish(ctx, ev)
	return out, nil
}

// Submit hands a pending request to the fulfillment service. On success the
// request is approved with its correlation id. On a conflict the request is
// failed with DetailConflict and the returned error wraps core.ErrConflict.
// Any other failure leaves the request failed and returns a
// CollaboratorError. No retry is ever scheduled for a failed submission.
func (e *Engine) Submit(ctx context.Context, id int64) (core.Request, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.requests.RequestByID(ctx, id)
	if err != nil {
		return core.Request{}, core.Collaborator("load request", err)
	}
	if r.Status != core.StatusPending || r.CorrelationID != nil {
		return r, fmt.Errorf("request %d is %s: %w", id, r.Status, core.ErrIllegalTransition)
	}

	corr, subErr := e.catalog.Submit(ctx, r.Kind, r.CatalogID, r.Seasons)
	if subErr != nil {
		detail := subErr.Error()
		if errors.Is(subErr, core.ErrConflict) {
			detail = DetailConflict
		}
		failed, err := e.transition(ctx, r, core.StatusFailed, nil, detail)
		if err != nil {
			return r, err
		}
		if errors.Is(subErr, core.ErrConflict) {
			return failed, fmt.Errorf("submit request %d: %w", id, core.ErrConflict)
		}
		e.log.Error("submission failed", zap.Int64("request_id", id), zap.Int64("user_id", r.UserID), zap.Error(subErr))
		return failed, core.Collaborator("submit request", subErr)
	}
	return e.transition(ctx, r, core.StatusApproved, &corr, "")
}

type Outcome string

const (
	Changed   Outcome = "changed"
	Unchanged Outcome = "unchanged"
	Skipped   Outcome = "skipped"
)

type PollResult struct {
	Outcome Outcome
	From    core.Status
	Request core.Request
}

// Poll refreshes one request from the fulfillment service. Requests without
// a correlation id and pending requests younger than grace are skipped.
// Status codes that would move the request backwards are reported as
// unchanged.
func (e *Engine) Poll(ctx context.Context, id int64, grace time.Duration) (PollResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.requests.RequestByID(ctx, id)
	if err != nil {
		metrics.Polls.WithLabelValues("error").Inc()
		return PollResult{}, core.Collaborator("load request", err)
	}
	res := PollResult{Outcome: Skipped, From: r.Status, Request: r}
	switch {
	case r.Status.Terminal(), r.CorrelationID == nil:
		metrics.Polls.WithLabelValues(string(Skipped)).Inc()
		return res, nil
	case r.Status == core.StatusPending && e.clock.Since(r.CreatedAt) < grace:
		metrics.Polls.WithLabelValues(string(Skipped)).Inc()
		return res, nil
	}

	ext, err := e.catalog.StatusOf(ctx, *r.CorrelationID)
	if err != nil {
		metrics.Polls.WithLabelValues("error").Inc()
		return res, core.Collaborator("fetch status", err)
	}
	to := core.MapExternal(ext)
	if to == r.Status || !core.CanTransition(r.Status, to) {
		if to != r.Status {
			e.log.Debug("ignoring backward status",
				zap.Int64("request_id", id), zap.String("stored", string(r.Status)), zap.String("reported", string(to)))
		}
		res.Outcome = Unchanged
		metrics.Polls.WithLabelValues(string(Unchanged)).Inc()
		return res, nil
	}

	detail := ""
	if to == core.StatusDeclined {
		detail = "declined by the fulfillment service"
	}
	out, err := e.transition(ctx, r, to, nil, detail)
	if err != nil {
		metrics.Polls.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.Polls.WithLabelValues(string(Changed)).Inc()
	return PollResult{Outcome: Changed, From: r.Status, Request: out}, nil
}

// Cancel moves a user's own non-terminal request to declined. The
// fulfillment side is told on a best-effort basis.
func (e *Engine) Cancel(ctx context.Context, id int64, owner core.User) (core.Request, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.requests.RequestByID(ctx, id)
	if errors.Is(err, core.ErrNotFound) || (err == nil && r.UserID != owner.ID) {
		return core.Request{}, &core.UserInputError{Msg: fmt.Sprintf("❌ Request #%d not found.", id)}
	}
	if err != nil {
		return core.Request{}, core.Collaborator("load request", err)
	}
	if r.Status.Terminal() {
		return r, &core.UserInputError{Msg: fmt.Sprintf("❌ Request #%d is already %s.", id, r.Status)}
	}
	if r.CorrelationID != nil {
		if err := e.catalog.Decline(ctx, *r.CorrelationID, DetailCancelled); err != nil {
			e.log.Warn("fulfillment cancel failed", zap.Int64("request_id", id), zap.Error(err))
		}
	}
	return e.transition(ctx, r, core.StatusDeclined, nil, DetailCancelled)
}

// Approve is the admin override for a submitted request awaiting approval.
func (e *Engine) Approve(ctx context.Context, id int64) (core.Request, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.requests.RequestByID(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Request{}, &core.UserInputError{Msg: fmt.Sprintf("❌ Request #%d not found.", id)}
	}
	if err != nil {
		return core.Request{}, core.Collaborator("load request", err)
	}
	if r.Status != core.StatusPending || r.CorrelationID == nil {
		return r, &core.UserInputError{Msg: fmt.Sprintf("❌ Request #%d is %s and cannot be approved.", id, r.Status)}
	}
	if err := e.catalog.Approve(ctx, *r.CorrelationID); err != nil {
		return r, core.Collaborator("approve request", err)
	}
	return e.transition(ctx, r, core.StatusApproved, nil, "")
}

// Decline is the admin rejection of any non-terminal request.
func (e *Engine) Decline(ctx context.Context, id int64, reason string) (core.Request, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.requests.RequestByID(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Request{}, &core.UserInputError{Msg: fmt.Sprintf("❌ Request #%d not found.", id)}
	}
	if err != nil {
		return core.Request{}, core.Collaborator("load request", err)
	}
	if r.Status.Terminal() {
		return r, &core.UserInputError{Msg: fmt.Sprintf("❌ Request #%d is already %s.", id, r.Status)}
	}
	if reason == "" {
		reason = "declined by admin"
	}
	if r.CorrelationID != nil {
		if err := e.catalog.Decline(ctx, *r.CorrelationID, reason); err != nil {
			return r, core.Collaborator("decline request", err)
		}
	}
	return e.transition(ctx, r, core.StatusDeclined, nil, reason)
}
