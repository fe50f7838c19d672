package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"pointscan/internal/coordination"
	"pointscan/internal/etl"
	"pointscan/internal/models"
	"pointscan/internal/query"
	"pointscan/internal/upstream"
)

type fakeQuerier struct {
	res *query.Result
	err error
	got query.Request
}

func (f *fakeQuerier) Query(_ context.Context, req query.Request) (*query.Result, error) {
	f.got = req
	return f.res, f.err
}

type fakeSyncer struct {
	statusCalls int32
	runErr      error
}

func (f *fakeSyncer) RunSync(_ context.Context, site string) (*models.SyncResult, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &models.SyncResult{Site: site, SamplesInserted: 42}, nil
}

func (f *fakeSyncer) Status(_ context.Context, site string) (*models.SyncStatus, error) {
	atomic.AddInt32(&f.statusCalls, 1)
	return &models.SyncStatus{Site: site, LastSyncTS: 1704880000}, nil
}

type fakeBackfiller struct {
	state *models.BackfillState
	err   error
}

func (f *fakeBackfiller) StartJob(_ context.Context, site, start, end string) (*models.BackfillState, error) {
	return f.state, f.err
}

func (f *fakeBackfiller) Tick(_ context.Context, jobID string) (*models.BackfillState, error) {
	return f.state, f.err
}

func (f *fakeBackfiller) Status(_ context.Context, jobID string) (*models.BackfillState, error) {
	return f.state, f.err
}

type fakeHotStats struct{}

func (fakeHotStats) Bounds(context.Context, string) (int64, int64, int64, error) {
	return 1704000000, 1704880000, 1000, nil
}

type fakeArchival struct{}

func (fakeArchival) ArchivalRecords(context.Context, string) ([]models.ArchivalRecord, error) {
	return []models.ArchivalRecord{{Site: "site_a", Day: "2024-05-01", RowsMoved: 99}}, nil
}

type fakePointsAPI struct{}

func (fakePointsAPI) FetchPage(context.Context, upstream.PageRequest) (*upstream.Page, error) {
	return &upstream.Page{}, nil
}

func (fakePointsAPI) ConfiguredPoints(context.Context, string) ([]upstream.ConfiguredPoint, error) {
	return []upstream.ConfiguredPoint{{Name: "ahu1/sat", Unit: "degC"}}, nil
}

func TestRateLimitThrottlesPerIP(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.srv.ConfigureRateLimit(RateLimitConfig{RPS: 1, Burst: 1})

	req := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", path, nil)
		r.Header.Set("X-Forwarded-For", "192.0.2.7")
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, r)
		return w
	}

	require.Equal(t, http.StatusOK, req("/status").Code)

	w := req("/status")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "rate_limited", body["code"])

	// Liveness stays exempt even with the bucket drained.
	require.Equal(t, http.StatusOK, req("/health").Code)
}

type serverFixture struct {
	srv        *Server
	querier    *fakeQuerier
	syncer     *fakeSyncer
	backfiller *fakeBackfiller
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		querier:    &fakeQuerier{res: &query.Result{Series: map[string][]query.Row{}}},
		syncer:     &fakeSyncer{},
		backfiller: &fakeBackfiller{state: &models.BackfillState{JobID: "job-1", Site: "site_a", StartDate: "2024-01-01", EndDate: "2024-01-10", CompletedDates: map[string]bool{"2024-01-01": true}, Status: models.BackfillRunning}},
	}
	f.srv = NewServer(f.querier, f.syncer, f.backfiller, fakeHotStats{}, fakeArchival{}, fakePointsAPI{}, []string{"site_a"}, "0")
	return f
}

var reqSeq int32

// do issues a request with a unique client IP so the per-IP limiter never
// interferes across parallel tests.
func (f *serverFixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.%d.%d", atomic.AddInt32(&reqSeq, 1)/250, atomic.LoadInt32(&reqSeq)%250))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do("GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatusAggregatesAndCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do("GET", "/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	sites := resp["sites"].(map[string]interface{})
	entry := sites["site_a"].(map[string]interface{})
	require.EqualValues(t, 1704880000, entry["last_sync_ts"])
	require.EqualValues(t, 1000, entry["hot_rows"])
	require.NotNil(t, entry["last_archival"])

	// Second call within the cache window never reaches the syncer again.
	w2 := f.do("GET", "/status", "", nil)
	require.Equal(t, w.Body.String(), w2.Body.String())
	require.Equal(t, int32(1), atomic.LoadInt32(&f.syncer.statusCalls))
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	w := f.do("POST", "/trigger", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do("POST", "/trigger?site=site_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"samples_inserted":42`)

	f.syncer.runErr = etl.ErrSyncInProgress
	w = f.do("POST", "/trigger?site=site_a", "", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	f.syncer.runErr = errors.New("upstream down")
	w = f.do("POST", "/trigger?site=site_a", "", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.NotContains(t, w.Body.String(), "upstream down") // sanitized
}

func TestOperatorAuthGuardsMutatingEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.srv.auth = newOperatorAuth("secret-token", "")

	w := f.do("POST", "/trigger?site=site_a", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do("POST", "/trigger?site=site_a", "", map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do("POST", "/trigger?site=site_a", "", map[string]string{"Authorization": "Bearer secret-token"})
	require.Equal(t, http.StatusOK, w.Code)

	// Reads stay open.
	w = f.do("GET", "/backfill/status?job_id=job-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestBackfillStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	w := f.do("POST", "/backfill/start", "{not json", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do("POST", "/backfill/start", `{"site":"site_a","start_date":"2024-01-01","end_date":"2024-01-10"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"job_id":"job-1"`)

	f.backfiller.err = errors.New("backfill: end_date before start_date")
	f.backfiller.state = nil
	w = f.do("POST", "/backfill/start", `{"site":"site_a","start_date":"2024-01-10","end_date":"2024-01-01"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBackfillStatusIncludesProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	w := f.do("GET", "/backfill/status", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do("GET", "/backfill/status?job_id=job-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.EqualValues(t, 10, resp["total_days"])
	require.EqualValues(t, 10, resp["percent_complete"])

	f.backfiller.err = coordination.ErrNotFound
	f.backfiller.state = nil
	w = f.do("GET", "/backfill/status?job_id=unknown", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackfillTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do("POST", "/backfill/tick?job_id=job-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"job_id":"job-1"`)
}

func TestQueryEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.querier.res = &query.Result{
		Series:       map[string][]query.Row{"p1": {{Timestamp: 1704067200, Value: 21.5}}},
		DataSource:   query.SourceCold,
		Strategy:     query.StrategyColdOnly,
		CacheStatus:  query.CacheMiss,
		ProcessingMS: 12,
	}

	w := f.do("GET", "/timeseries/query?site=site_a&points=p1&start_time=2024-01-01T00:00:00Z&end_time=2024-01-02T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, "COLD", w.Header().Get("X-Data-Source"))
	require.Equal(t, "COLD_ONLY", w.Header().Get("X-Query-Strategy"))
	require.Equal(t, "MISS", w.Header().Get("X-Cache-Status"))
	require.Equal(t, "12", w.Header().Get("X-Processing-Time-Ms"))

	require.Equal(t, "site_a", f.querier.got.Site)
	require.Equal(t, []string{"p1"}, f.querier.got.Points)
	require.Equal(t, int64(1704067200), f.querier.got.Start)
	require.Equal(t, int64(1704153600), f.querier.got.End)
	require.True(t, f.querier.got.UseRouting)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, "series_by_point")
	require.Contains(t, resp, "metadata")
}

func TestQueryEndpointErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := "/timeseries/query?site=site_a&points=p1&start_time=1704067200&end_time=1704153600"

	w := f.do("GET", "/timeseries/query?site=site_a&points=p1&start_time=not-a-time&end_time=1", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	f.querier.err = fmt.Errorf("%w: end_time must be after start_time", query.ErrInvalidRange)
	w = f.do("GET", base, "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	f.querier.err = context.DeadlineExceeded
	w = f.do("GET", base, "", nil)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)

	f.querier.err = errors.New("both tiers down")
	w = f.do("GET", base, "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), `"code":"tier_unavailable"`)
}

func TestQueryEndpointLegacyFlag(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do("GET", "/timeseries/query?site=site_a&points=p1&start_time=1&end_time=2&use_routing=false", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, f.querier.got.UseRouting)
}

func TestPointsPassthrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do("GET", "/sites/site_a/points", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ahu1/sat")
}

func TestSplitPoints(t *testing.T) {
	t.Parallel()

	require.Nil(t, splitPoints(""))
	require.Equal(t, []string{"p1"}, splitPoints("p1"))
	require.Equal(t, []string{"p1", "p2"}, splitPoints("p1, p2,"))
	// Point names with slashes pass through byte-exact.
	require.Equal(t, []string{"ahu1/sat", "vav-2/zone temp"}, splitPoints("ahu1/sat,vav-2/zone temp"))
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	sec, err := parseTime("1704067200")
	require.NoError(t, err)
	require.Equal(t, int64(1704067200), sec)

	sec, err = parseTime("2024-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, int64(1704067200), sec)

	_, err = parseTime("")
	require.Error(t, err)
	_, err = parseTime("yesterday")
	require.Error(t, err)
}
