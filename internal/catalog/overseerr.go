package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Cypherspark/signalerr/internal/core"
	"go.uber.org/zap"
)

// Overseerr talks to the Overseerr v1 REST API.
type Overseerr struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

var _ Service = (*Overseerr)(nil)

func NewOverseerr(baseURL, apiKey string, log *zap.Logger) *Overseerr {
	return &Overseerr{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.Named("overseerr"),
	}
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("overseerr returned status %d: %s", e.Code, e.Body)
}

func (o *Overseerr) do(ctx context.Context, method, path string, in, out any) error {
	u := o.baseURL + path
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", o.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Error("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type searchResult struct {
	ID              int64  `json:"id"`
	MediaType       string `json:"mediaType"`
	Title           string `json:"title"`
	Name            string `json:"name"`
	Overview        string `json:"overview"`
	ReleaseDate     string `json:"releaseDate"`
	FirstAirDate    string `json:"firstAirDate"`
	NumberOfSeasons int    `json:"numberOfSeasons"`
}

func yearOf(date string) *int {
	if len(date) < 4 {
		return nil
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return nil
	}
	return &y
}

func (r searchResult) media() Media {
	m := Media{ID: r.ID, Title: r.Title, Overview: r.Overview, SeasonCount: r.NumberOfSeasons}
	if m.Title == "" {
		m.Title = r.Name
	}
	if r.MediaType == "tv" {
		m.Kind = core.MediaSeries
		m.Year = yearOf(r.FirstAirDate)
	} else {
		m.Kind = core.MediaMovie
		m.Year = yearOf(r.ReleaseDate)
	}
	return m
}

// Search returns movie and series candidates in the service's relevance
// order. People and other result types are dropped.
func (o *Overseerr) Search(ctx context.Context, query string) ([]Media, error) {
	var out struct {
		Results []searchResult `json:"results"`
	}
	// Overseerr expects spaces as %20, not '+'.
	q := url.Values{}
	q.Set("query", query)
	path := "/search?" + strings.ReplaceAll(q.Encode(), "+", "%20")
	if err := o.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	media := make([]Media, 0, len(out.Results))
	for _, r := range out.Results {
		if r.MediaType != "movie" && r.MediaType != "tv" {
			continue
		}
		media = append(media, r.media())
	}
	return media, nil
}

func (o *Overseerr) Details(ctx context.Context, kind core.MediaKind, id int64) (Media, error) {
	var r searchResult
	if err := o.do(ctx, http.MethodGet, "/"+string(kind)+"/"+strconv.FormatInt(id, 10), nil, &r); err != nil {
		return Media{}, err
	}
	r.MediaType = string(kind)
	if r.ID == 0 {
		r.ID = id
	}
	return r.media(), nil
}

func (o *Overseerr) IsAvailable(ctx context.Context, id int64) (bool, error) {
	var out struct {
		Status int `json:"status"`
	}
	err := o.do(ctx, http.MethodGet, "/media/"+strconv.FormatInt(id, 10)+"/status", nil, &out)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return core.ExternalStatus(out.Status) == core.ExternalAvailable, nil
}

func (o *Overseerr) Submit(ctx context.Context, kind core.MediaKind, id int64, seasons []int) (int64, error) {
	payload := map[string]any{
		"mediaId":   id,
		"mediaType": string(kind),
		"is4k":      false,
	}
	if kind == core.MediaSeries && len(seasons) > 0 {
		payload["seasons"] = seasons
	}
	var out struct {
		ID int64 `json:"id"`
	}
	err := o.do(ctx, http.MethodPost, "/request", payload, &out)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return 0, core.ErrConflict
	}
	if err != nil {
		return 0, err
	}
	o.log.Info("request submitted", zap.Int64("media_id", id), zap.Int64("correlation_id", out.ID))
	return out.ID, nil
}

func (o *Overseerr) StatusOf(ctx context.Context, correlationID int64) (core.ExternalStatus, error) {
	var out struct {
		Status int `json:"status"`
		Media  *struct {
			Status int `json:"status"`
		} `json:"media"`
	}
	if err := o.do(ctx, http.MethodGet, "/request/"+strconv.FormatInt(correlationID, 10), nil, &out); err != nil {
		return 0, err
	}
	// Request status stops at approved; download progress shows on the media
	// record (3 processing, 4 partially available, 5 available).
	if out.Media != nil && core.ExternalStatus(out.Status) == core.ExternalApproved {
		switch out.Media.Status {
		case 5:
			return core.ExternalAvailable, nil
		case 3, 4:
			return core.ExternalProcessing, nil
		}
	}
	return core.ExternalStatus(out.Status), nil
}

func (o *Overseerr) Approve(ctx context.Context, correlationID int64) error {
	return o.do(ctx, http.MethodPost, "/request/"+strconv.FormatInt(correlationID, 10)+"/approve", nil, nil)
}

func (o *Overseerr) Decline(ctx context.Context, correlationID int64, reason string) error {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return o.do(ctx, http.MethodPost, "/request/"+strconv.FormatInt(correlationID, 10)+"/decline", payload, nil)
}

func (o *Overseerr) Ping(ctx context.Context) error {
	return o.do(ctx, http.MethodGet, "/status", nil, nil)
}
