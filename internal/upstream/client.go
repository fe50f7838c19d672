// Package upstream is the boundary to the IoT point API. All normalization
// happens here, exactly once: millisecond wire timestamps are floored to
// seconds, non-finite values are dropped, and point names pass through
// byte-exact. Everything past this package operates on models.Sample.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"pointscan/internal/models"
)

// Typed upstream failures. Auth and validation errors are permanent: callers
// surface them to the operator and do not retry.
var (
	ErrAuth       = errors.New("upstream: authentication rejected")
	ErrValidation = errors.New("upstream: request rejected")
)

// API is the consumer-facing contract. ETL and backfill take this interface so
// tests can script pages.
type API interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
	ConfiguredPoints(ctx context.Context, site string) ([]ConfiguredPoint, error)
}

// PageRequest describes one paginated timeseries fetch. Start/End are epoch
// seconds; they are rendered as ISO-8601 UTC only at the wire.
type PageRequest struct {
	Site     string
	Start    int64
	End      int64
	PageSize int
	Cursor   string
	Raw      bool
}

// Page is one upstream response page, already normalized.
type Page struct {
	Samples    []models.Sample
	NextCursor string
	Dropped    int // rows discarded for non-finite/absent values
}

// ConfiguredPoint is the upstream's point catalog entry, passed through for
// the read-only /points endpoint. The core never interprets these fields.
type ConfiguredPoint struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	KVTags      map[string]string `json:"kv_tags,omitempty"`
}

type wireSample struct {
	PointName   string   `json:"point_name"`
	TimestampMS int64    `json:"timestamp_ms"`
	Value       *float64 `json:"value"`
}

type timeseriesResponse struct {
	Data       []wireSample `json:"data"`
	NextCursor string       `json:"next_cursor"`
}

type configuredPointsResponse struct {
	Items []ConfiguredPoint `json:"items"`
}

// Client talks HTTP to the upstream API.
type Client struct {
	http       *resty.Client
	maxRetries uint64
	baseDelay  time.Duration
}

// Option tweaks client construction.
type Option func(*Client)

// WithRetry overrides the default retry policy (3 attempts, 500 ms base, doubling).
func WithRetry(attempts uint64, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = attempts
		c.baseDelay = baseDelay
	}
}

// NewClient builds the upstream client. The token is emitted as a lowercase
// "authorization" header: the upstream rejects the canonical capitalized form,
// so the header is injected into the raw request map after resty has run.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	hc.SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
		req.Header.Del("Authorization")
		// Non-canonical map assignment keeps the lowercase key on the wire.
		req.Header["authorization"] = []string{"Bearer " + token}
		return nil
	})

	return &Client{
		http:       hc,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
}

// FetchPage requests one page of raw samples. Transient failures (timeouts,
// 5xx, 429) are retried with jittered exponential backoff inside the call;
// permanent failures return immediately as ErrAuth/ErrValidation.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	var out timeseriesResponse

	op := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"start_time": time.Unix(req.Start, 0).UTC().Format(time.RFC3339),
				"end_time":   time.Unix(req.End, 0).UTC().Format(time.RFC3339),
				"page_size":  strconv.Itoa(req.PageSize),
				"cursor":     req.Cursor,
				"raw_data":   strconv.FormatBool(req.Raw),
			}).
			SetResult(&out).
			// The upstream has been seen serving JSON without a Content-Type;
			// decode the body as JSON regardless.
			ForceContentType("application/json").
			Get("/api/sites/" + req.Site + "/timeseries/paginated")
		if err != nil {
			return fmt.Errorf("upstream: fetch page: %w", err)
		}
		return classifyStatus(resp.StatusCode())
	}

	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}

	page := &Page{NextCursor: out.NextCursor}
	page.Samples = make([]models.Sample, 0, len(out.Data))
	for _, w := range out.Data {
		if w.Value == nil || math.IsNaN(*w.Value) || math.IsInf(*w.Value, 0) {
			page.Dropped++
			continue
		}
		page.Samples = append(page.Samples, models.Sample{
			Site:      req.Site,
			Point:     w.PointName,
			Timestamp: w.TimestampMS / 1000,
			Value:     *w.Value,
		})
	}
	if page.Dropped > 0 {
		log.Printf("[upstream] %s: dropped %d non-finite rows in page", req.Site, page.Dropped)
	}
	return page, nil
}

// ConfiguredPoints lists the upstream point catalog for a site.
func (c *Client) ConfiguredPoints(ctx context.Context, site string) ([]ConfiguredPoint, error) {
	var out configuredPointsResponse

	op := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			ForceContentType("application/json").
			Get("/api/sites/" + site + "/configured_points")
		if err != nil {
			return fmt.Errorf("upstream: configured points: %w", err)
		}
		return classifyStatus(resp.StatusCode())
	}

	if err := c.retry(ctx, op); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w (HTTP %d)", ErrAuth, code)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w (HTTP %d)", ErrValidation, code)
	default:
		// 5xx, 429, anything unexpected: transient, retried by the caller loop.
		return fmt.Errorf("upstream: HTTP %d", code)
	}
}

// IsPermanent reports whether an upstream error should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation)
}
