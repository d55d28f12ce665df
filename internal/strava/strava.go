// Package strava implements the read side of the Strava API used by the
// sync and backfill jobs: windowed activity listing and per-activity streams.
package strava

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lildude/trainload/internal/client"
	"github.com/lildude/trainload/internal/faults"
	"golang.org/x/oauth2"
)

var (
	BaseURL     = "https://www.strava.com/api/v3"
	OauthConfig = &oauth2.Config{
		ClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		ClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.strava.com/oauth/authorize",
			TokenURL: "https://www.strava.com/oauth/token",
		},
		RedirectURL: os.Getenv("STRAVA_REDIRECT_URI"),
		Scopes:      []string{"activity:read_all"},
	}
)

// pageDelay is the pause between page fetches to stay friendly with the
// API rate limits.
var pageDelay = 200 * time.Millisecond

// Activity struct holds only the data we want from the Strava API for an activity.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	ElapsedTime        int64     `json:"elapsed_time"`
	MovingTime         int64     `json:"moving_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageWatts       float64   `json:"average_watts"`
	AverageHeartrate   float64   `json:"average_heartrate"`
	Trainer            bool      `json:"trainer"`
	Commute            bool      `json:"commute"`
}

// Stream is a single sample series from the streams endpoint.
type Stream struct {
	Data []float64 `json:"data"`
}

// Streams holds the sample series used to refine an activity's load score.
type Streams struct {
	Time      *Stream `json:"time"`
	Watts     *Stream `json:"watts"`
	Heartrate *Stream `json:"heartrate"`
}

// APIClient wraps the REST client with an OAuth2 access token.
type APIClient struct {
	rc *client.Client
}

// NewAPIClient returns a client that authenticates with the given access
// token. A non-nil hc overrides the underlying HTTP client for tests.
func NewAPIClient(ctx context.Context, accessToken string, hc *http.Client) *APIClient {
	if hc == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		hc = oauth2.NewClient(ctx, ts)
	}
	u, _ := url.Parse(BaseURL)
	return &APIClient{rc: client.NewClient(u, hc)}
}

// ListPage fetches a single page of the athlete's activities inside the
// given window. A nil bound leaves that side of the window open. Pages are
// 1-based; an empty slice means the window is exhausted.
func (c *APIClient) ListPage(ctx context.Context, after, before *time.Time, page, perPage int) ([]Activity, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if after != nil {
		q.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if before != nil {
		q.Set("before", strconv.FormatInt(before.Unix(), 10))
	}

	var activities []Activity
	req, err := c.rc.NewRequest(ctx, http.MethodGet, "/api/v3/athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, faults.New(faults.KindTransientFetch, "strava.ListPage", err)
	}

	resp, err := c.rc.Do(req, &activities)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, classify("strava.ListPage", err)
	}

	return activities, nil
}

// GetStreams fetches the time/watts/heartrate sample series for an activity.
func (c *APIClient) GetStreams(ctx context.Context, id int64) (*Streams, error) {
	var s Streams
	path := fmt.Sprintf("/api/v3/activities/%d/streams?keys=time,watts,heartrate&key_by_type=true", id)
	req, err := c.rc.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, faults.New(faults.KindTransientFetch, "strava.GetStreams", err)
	}

	resp, err := c.rc.Do(req, &s)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, classify("strava.GetStreams", err)
	}

	return &s, nil
}

func classify(op string, err error) error {
	if client.IsRateLimited(err) {
		return faults.New(faults.KindRateLimited, op, err)
	}
	return faults.New(faults.KindTransientFetch, op, err)
}

// Pager iterates page-at-a-time over a time window. It is lazy, finite and
// non-restartable; a caller may abandon it without fetching remaining pages.
// It never retries; retry policy belongs to the orchestrator.
type Pager struct {
	c             *APIClient
	after, before *time.Time
	perPage       int
	page          int
	fetched       bool
	done          bool
}

// ListActivities returns a Pager over the window (after, before).
func (c *APIClient) ListActivities(after, before *time.Time, perPage int) *Pager {
	return &Pager{c: c, after: after, before: before, perPage: perPage, page: 1}
}

// Next fetches the next page. It returns (nil, nil) once the window is
// exhausted.
func (p *Pager) Next(ctx context.Context) ([]Activity, error) {
	if p.done {
		return nil, nil
	}
	if p.fetched {
		select {
		case <-time.After(pageDelay):
		case <-ctx.Done():
			return nil, faults.New(faults.KindTransientFetch, "strava.Pager", ctx.Err())
		}
	}

	batch, err := p.c.ListPage(ctx, p.after, p.before, p.page, p.perPage)
	if err != nil {
		return nil, err
	}
	p.fetched = true
	p.page++
	if len(batch) == 0 {
		p.done = true
		return nil, nil
	}
	if len(batch) < p.perPage {
		p.done = true
	}
	return batch, nil
}
