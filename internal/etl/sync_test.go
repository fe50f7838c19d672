package etl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pointscan/internal/coordination"
	"pointscan/internal/models"
	"pointscan/internal/upstream"
)

type fakeAPI struct {
	pages    []upstream.Page
	requests []upstream.PageRequest
	err      error
}

func (f *fakeAPI) FetchPage(_ context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	i := len(f.requests) - 1
	if i >= len(f.pages) {
		return &upstream.Page{}, nil
	}
	p := f.pages[i]
	return &p, nil
}

func (f *fakeAPI) ConfiguredPoints(context.Context, string) ([]upstream.ConfiguredPoint, error) {
	return nil, nil
}

type fakeHot struct {
	samples []models.Sample
	batches int
	err     error
}

func (f *fakeHot) UpsertSamples(_ context.Context, samples []models.Sample) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.batches++
	f.samples = append(f.samples, samples...)
	return int64(len(samples)), nil
}

func newTestSync(t *testing.T, api upstream.API, hot HotStore, cfg Config) (*Synchronizer, *coordination.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	coord := coordination.NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	s := NewSynchronizer(api, hot, coord, cfg)
	s.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	return s, coord
}

func TestRunSyncFirstSyncUses24hWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{pages: []upstream.Page{{
		Samples: []models.Sample{
			{Site: "site_a", Point: "p1", Timestamp: now.Unix() - 300, Value: 1},
			{Site: "site_a", Point: "p1", Timestamp: now.Unix() - 60, Value: 2},
		},
	}}}
	hot := &fakeHot{}
	s, coord := newTestSync(t, api, hot, Config{Sites: []string{"site_a"}})

	res, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.True(t, res.FirstSync)
	require.Equal(t, now.Add(-24*time.Hour).Unix(), res.WindowStart)
	require.Equal(t, now.Unix(), res.WindowEnd)
	require.Equal(t, int64(2), res.SamplesInserted)
	require.Len(t, hot.samples, 2)

	// Watermark commits to the max ingested timestamp, not the window end.
	wm, err := coord.Watermark(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, now.Unix()-60, wm)
}

func TestRunSyncIncrementalWindowOverlapsWatermark(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{pages: []upstream.Page{{
		Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: now.Unix() - 30, Value: 1}},
	}}}
	s, coord := newTestSync(t, api, &fakeHot{}, Config{LookbackBuffer: 90 * time.Minute})

	watermark := now.Add(-10 * time.Minute).Unix()
	require.NoError(t, coord.AdvanceWatermark(context.Background(), "site_a", watermark))

	res, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.False(t, res.FirstSync)
	require.Equal(t, watermark-90*60, res.WindowStart)
}

func TestRunSyncStaleWatermarkRestartsAsFirstSync(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{pages: []upstream.Page{{}}}
	s, coord := newTestSync(t, api, &fakeHot{}, Config{})

	// 8 days behind: beyond the paginated endpoint's reliable range.
	require.NoError(t, coord.AdvanceWatermark(context.Background(), "site_a", now.Add(-8*24*time.Hour).Unix()))

	res, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.True(t, res.FirstSync)
	require.Equal(t, now.Add(-24*time.Hour).Unix(), res.WindowStart)
}

func TestRunSyncPagesThroughCursors(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: []upstream.Page{
		{Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: 100, Value: 1}}, NextCursor: "c1"},
		{Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: 200, Value: 2}}, NextCursor: "c2"},
		{Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: 300, Value: 3}}},
	}}
	hot := &fakeHot{}
	s, _ := newTestSync(t, api, hot, Config{})

	res, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, 3, res.PagesFetched)
	require.Equal(t, int64(3), res.SamplesInserted)
	require.Equal(t, "", api.requests[0].Cursor)
	require.Equal(t, "c1", api.requests[1].Cursor)
	require.Equal(t, "c2", api.requests[2].Cursor)
}

func TestRunSyncBatchesUpserts(t *testing.T) {
	t.Parallel()

	samples := make([]models.Sample, 5)
	for i := range samples {
		samples[i] = models.Sample{Site: "site_a", Point: "p1", Timestamp: int64(i + 1), Value: 1}
	}
	api := &fakeAPI{pages: []upstream.Page{{Samples: samples}}}
	hot := &fakeHot{}
	s, _ := newTestSync(t, api, hot, Config{BatchSize: 2})

	_, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, 3, hot.batches) // 2+2+1
	require.Len(t, hot.samples, 5)
}

func TestRunSyncConfirmedEmptyAdvancesToWindowEnd(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{pages: []upstream.Page{{}}} // 200, zero rows, no cursor
	s, coord := newTestSync(t, api, &fakeHot{}, Config{})

	res, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, int64(0), res.SamplesInserted)

	wm, err := coord.Watermark(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, now.Unix(), wm)
}

func TestRunSyncFetchFailureLeavesWatermark(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: errors.New("upstream: 503")}
	s, coord := newTestSync(t, api, &fakeHot{}, Config{})

	watermark := int64(1704880000) // within the stale window of the frozen clock
	require.NoError(t, coord.AdvanceWatermark(context.Background(), "site_a", watermark))

	_, err := s.RunSync(context.Background(), "site_a")
	require.Error(t, err)

	wm, err := coord.Watermark(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, watermark, wm)

	recent, err := coord.RecentErrors(context.Background(), "site_a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Contains(t, recent[0], "upstream: 503")
}

func TestRunSyncUpsertFailureLeavesWatermark(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: []upstream.Page{{
		Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: 100, Value: 1}},
	}}}
	hot := &fakeHot{err: errors.New("pg down")}
	s, coord := newTestSync(t, api, hot, Config{})

	_, err := s.RunSync(context.Background(), "site_a")
	require.Error(t, err)

	wm, err := coord.Watermark(context.Background(), "site_a")
	require.NoError(t, err)
	require.Zero(t, wm)
}

func TestRunSyncLeaseSuppressesOverlap(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: []upstream.Page{{}}}
	s, coord := newTestSync(t, api, &fakeHot{}, Config{})

	ok, err := coord.AcquireLease(context.Background(), "etl:site_a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.RunSync(context.Background(), "site_a")
	require.ErrorIs(t, err, ErrSyncInProgress)
	require.Empty(t, api.requests)

	// Once released, the next run proceeds and releases its own lease after.
	require.NoError(t, coord.ReleaseLease(context.Background(), "etl:site_a"))
	_, err = s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	_, err = s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
}

func TestRunSyncMaxPagesCapCommitsProgress(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: []upstream.Page{
		{Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: 100, Value: 1}}, NextCursor: "c1"},
		{Samples: []models.Sample{{Site: "site_a", Point: "p1", Timestamp: 200, Value: 2}}, NextCursor: "c2"},
	}}
	s, coord := newTestSync(t, api, &fakeHot{}, Config{MaxPagesPerSync: 2})

	res, err := s.RunSync(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, 2, res.PagesFetched)

	// Partial progress still commits; the next tick resumes from the overlap.
	wm, err := coord.Watermark(context.Background(), "site_a")
	require.NoError(t, err)
	require.Equal(t, int64(200), wm)
}

func TestStatusReportsWatermarkAndErrors(t *testing.T) {
	t.Parallel()

	s, coord := newTestSync(t, &fakeAPI{}, &fakeHot{}, Config{})
	ctx := context.Background()

	require.NoError(t, coord.AdvanceWatermark(ctx, "site_a", 1704880000))
	require.NoError(t, coord.AppendError(ctx, "site_a", "sync: boom"))
	require.NoError(t, coord.MarkSyncSuccess(ctx, "site_a", s.now().Add(-90*time.Second)))

	status, err := s.Status(ctx, "site_a")
	require.NoError(t, err)
	require.Equal(t, int64(1704880000), status.LastSyncTS)
	require.Equal(t, int64(90), status.LastSuccessAge)
	require.Len(t, status.RecentErrors, 1)
}
