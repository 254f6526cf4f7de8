// Package catalog is the media search and fulfillment collaborator.
package catalog

import (
	"context"

	"github.com/Cypherspark/signalerr/internal/core"
)

// Media is one search candidate.
type Media struct {
	ID          int64
	Kind        core.MediaKind
	Title       string
	Year        *int
	Overview    string
	SeasonCount int // series only; zero when unknown
}

// Label is the title with the year when known.
func (m Media) Label() string {
	return core.Request{Title: m.Title, Year: m.Year}.Label()
}

// Service is what the bot needs from the fulfillment side. Submit returns
// core.ErrConflict when the title was already requested.
type Service interface {
	Search(ctx context.Context, query string) ([]Media, error)
	// Details fills in fields search results omit, such as the season count.
	Details(ctx context.Context, kind core.MediaKind, id int64) (Media, error)
	IsAvailable(ctx context.Context, id int64) (bool, error)
	Submit(ctx context.Context, kind core.MediaKind, id int64, seasons []int) (correlationID int64, err error)
	StatusOf(ctx context.Context, correlationID int64) (core.ExternalStatus, error)
	Approve(ctx context.Context, correlationID int64) error
	Decline(ctx context.Context, correlationID int64, reason string) error
	Ping(ctx context.Context) error
}
