package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pointscan/internal/coldstore"
	"pointscan/internal/coordination"
	"pointscan/internal/models"
	"pointscan/internal/upstream"
)

type scripted struct {
	page *upstream.Page
	err  error
}

type scriptedAPI struct {
	responses []scripted
	requests  []upstream.PageRequest
}

func (s *scriptedAPI) FetchPage(_ context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next.page, next.err
}

func (s *scriptedAPI) ConfiguredPoints(context.Context, string) ([]upstream.ConfiguredPoint, error) {
	return nil, nil
}

func daySamples(day string, n int) []models.Sample {
	start, _ := time.Parse("2006-01-02", day)
	out := make([]models.Sample, n)
	for i := range out {
		out[i] = models.Sample{
			Site:      "site_a",
			Point:     fmt.Sprintf("p%d", i%3),
			Timestamp: start.Unix() + int64(i*60),
			Value:     float64(i),
		}
	}
	return out
}

func newTestEngine(t *testing.T, api upstream.API, cfg Config) (*Engine, *coldstore.MemoryStore, *coordination.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	coord := coordination.NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cold := coldstore.NewMemoryStore()
	e := NewEngine(api, cold, coord, cfg)
	e.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return e, cold, coord
}

func TestStartJobValidatesAndPersists(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, &scriptedAPI{}, Config{})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-10")
	require.NoError(t, err)
	require.NotEmpty(t, state.JobID)
	require.Equal(t, models.BackfillRunning, state.Status)
	require.Equal(t, "2024-01-01", state.CurrentDate)
	require.Equal(t, 10, state.TotalDays())

	loaded, err := e.Status(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, state.JobID, loaded.JobID)
	require.Zero(t, loaded.PercentComplete())

	_, err = e.StartJob(ctx, "site_a", "2024-01-10", "2024-01-01")
	require.Error(t, err)
	_, err = e.StartJob(ctx, "site_a", "Jan 1", "2024-01-02")
	require.Error(t, err)
	_, err = e.StartJob(ctx, "", "2024-01-01", "2024-01-02")
	require.Error(t, err)
}

func TestTickCompletesTwoDayJob(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{responses: []scripted{
		{page: &upstream.Page{Samples: daySamples("2024-01-01", 4)}},
		{page: &upstream.Page{Samples: daySamples("2024-01-02", 2)}},
	}}
	e, cold, _ := newTestEngine(t, api, Config{PagesPerInvocation: 5})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-02")
	require.NoError(t, err)

	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillComplete, state.Status)
	require.Equal(t, int64(6), state.SamplesFetched)
	require.True(t, state.CompletedDates["2024-01-01"])
	require.True(t, state.CompletedDates["2024-01-02"])
	require.InDelta(t, 100.0, state.PercentComplete(), 0.001)

	// Day windows are inclusive within the day.
	require.Equal(t, int64(1704067200), api.requests[0].Start)
	require.Equal(t, int64(1704153599), api.requests[0].End)

	got, err := coldstore.ReadDay(ctx, cold, "site_a", "2024-01-01")
	require.NoError(t, err)
	require.Len(t, got, 4)
	got, err = coldstore.ReadDay(ctx, cold, "site_a", "2024-01-02")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestTickResumesCursorAcrossInvocations(t *testing.T) {
	t.Parallel()

	all := daySamples("2024-01-01", 9)
	api := &scriptedAPI{responses: []scripted{
		{page: &upstream.Page{Samples: all[0:3], NextCursor: "c1"}},
		{page: &upstream.Page{Samples: all[3:6], NextCursor: "c2"}},
		{page: &upstream.Page{Samples: all[6:9]}},
	}}
	e, cold, _ := newTestEngine(t, api, Config{PagesPerInvocation: 2})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-01")
	require.NoError(t, err)

	// First tick burns the 2-page budget mid-day and persists the cursor.
	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillRunning, state.Status)
	require.Equal(t, "c2", state.CurrentCursor)
	require.False(t, state.CompletedDates["2024-01-01"])

	// Second tick resumes from the saved cursor and finishes the day.
	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillComplete, state.Status)
	require.Equal(t, "c2", api.requests[2].Cursor)
	require.Equal(t, int64(9), state.SamplesFetched)

	// The partial flush plus the final append merge into one complete chunk.
	got, err := coldstore.ReadDay(ctx, cold, "site_a", "2024-01-01")
	require.NoError(t, err)
	require.Len(t, got, 9)
}

func TestTickEmptyFirstPageIsFailureNotCompletion(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{responses: []scripted{
		{page: &upstream.Page{}}, // silent upstream failure shape
		{page: &upstream.Page{Samples: daySamples("2024-01-01", 2)}},
	}}
	e, _, _ := newTestEngine(t, api, Config{PagesPerInvocation: 1})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-01")
	require.NoError(t, err)

	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillRunning, state.Status)
	require.False(t, state.CompletedDates["2024-01-01"])
	require.Len(t, state.Errors, 1)
	require.Contains(t, state.Errors[0], "no samples")

	// The retry starts the day over, not from a cursor.
	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillComplete, state.Status)
	require.Equal(t, "", api.requests[1].Cursor)
}

func TestTickTransientErrorKeepsJobRunning(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{responses: []scripted{
		{err: errors.New("upstream: 503")},
		{page: &upstream.Page{Samples: daySamples("2024-01-01", 1)}},
	}}
	e, _, _ := newTestEngine(t, api, Config{PagesPerInvocation: 3})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-01")
	require.NoError(t, err)

	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillRunning, state.Status)
	require.Len(t, state.Errors, 1)

	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillComplete, state.Status)
}

func TestTickPermanentErrorFailsJob(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{responses: []scripted{
		{err: fmt.Errorf("fetch: %w", upstream.ErrAuth)},
	}}
	e, _, _ := newTestEngine(t, api, Config{})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-05")
	require.NoError(t, err)

	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillError, state.Status)

	// Errored jobs stay put on further ticks.
	again, err := e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillError, again.Status)
	require.Len(t, api.requests, 1)
}

func TestTickResumesOnFreshEngine(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{responses: []scripted{
		{page: &upstream.Page{Samples: daySamples("2024-01-01", 1)}},
		{page: &upstream.Page{Samples: daySamples("2024-01-02", 1)}},
	}}
	e, cold, coord := newTestEngine(t, api, Config{PagesPerInvocation: 1})
	ctx := context.Background()

	state, err := e.StartJob(ctx, "site_a", "2024-01-01", "2024-01-02")
	require.NoError(t, err)
	state, err = e.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, "2024-01-02", state.CurrentDate)

	// A new process picks the job up from the persisted snapshot.
	e2 := NewEngine(api, cold, coord, Config{PagesPerInvocation: 1})
	state, err = e2.Tick(ctx, state.JobID)
	require.NoError(t, err)
	require.Equal(t, models.BackfillComplete, state.Status)
}

func TestTickUnknownJob(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, &scriptedAPI{}, Config{})
	_, err := e.Tick(context.Background(), "nope")
	require.ErrorIs(t, err, coordination.ErrNotFound)
}
