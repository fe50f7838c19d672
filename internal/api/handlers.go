package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pointscan/internal/coordination"
	"pointscan/internal/etl"
	"pointscan/internal/query"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_failed", "failed to build status")
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	siteStatus := make(map[string]interface{}, len(s.sites))
	for _, site := range s.sites {
		entry := map[string]interface{}{}

		if st, err := s.syncer.Status(ctx, site); err == nil {
			entry["last_sync_ts"] = st.LastSyncTS
			entry["last_success_age_seconds"] = st.LastSuccessAge
			entry["recent_errors"] = st.RecentErrors
		}

		if minTS, maxTS, count, err := s.hot.Bounds(ctx, site); err == nil {
			entry["hot_rows"] = count
			entry["hot_min_ts"] = minTS
			entry["hot_max_ts"] = maxTS
		}

		if records, err := s.archival.ArchivalRecords(ctx, site); err == nil && len(records) > 0 {
			entry["last_archival"] = records[0]
			entry["archived_days_tracked"] = len(records)
		}

		siteStatus[site] = entry
	}

	resp := map[string]interface{}{
		"status":       "ok",
		"sites":        siteStatus,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"worker_enabled": map[string]bool{
			"etl":      os.Getenv("ENABLE_ETL") != "false",
			"backfill": os.Getenv("ENABLE_BACKFILL") != "false",
			"archival": os.Getenv("ENABLE_ARCHIVAL") != "false",
		},
	}
	return json.Marshal(resp)
}

// handleTrigger runs an immediate sync for one site.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if site == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "site parameter is required")
		return
	}

	res, err := s.syncer.RunSync(r.Context(), site)
	if errors.Is(err, etl.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync for this site is already running")
		return
	}
	if err != nil {
		log.Printf("[api] Triggered sync for %s failed: %v", site, err)
		writeError(w, http.StatusBadGateway, "sync_failed", "sync failed, see /status for details")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type backfillStartRequest struct {
	Site      string `json:"site"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	var req backfillStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	state, err := s.backfiller.StartJob(r.Context(), req.Site, req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job_id parameter is required")
		return
	}

	state, err := s.backfiller.Status(r.Context(), jobID)
	if errors.Is(err, coordination.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_failed", "failed to load job state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":              state,
		"total_days":       state.TotalDays(),
		"percent_complete": state.PercentComplete(),
	})
}

func (s *Server) handleBackfillTick(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job_id parameter is required")
		return
	}

	state, err := s.backfiller.Tick(r.Context(), jobID)
	if errors.Is(err, coordination.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	if err != nil {
		log.Printf("[api] Backfill tick %s failed: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "tick_failed", "tick failed, see job errors")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	site := q.Get("site")
	points := splitPoints(q.Get("points"))
	start, err1 := parseTime(q.Get("start_time"))
	end, err2 := parseTime(q.Get("end_time"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "start_time and end_time must be RFC3339 or epoch seconds")
		return
	}
	useRouting := q.Get("use_routing") != "false"

	ctx, cancel := context.WithTimeout(r.Context(), s.queryTimeout)
	defer cancel()

	res, err := s.querier.Query(ctx, query.Request{
		Site:       site,
		Points:     points,
		Start:      start,
		End:        end,
		UseRouting: useRouting,
	})
	if err != nil {
		switch {
		case errors.Is(err, query.ErrInvalidRange):
			writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "deadline_exceeded", "query exceeded its deadline")
		default:
			log.Printf("[api] Query failed (site=%s points=%d): %v", site, len(points), err)
			writeError(w, http.StatusServiceUnavailable, "tier_unavailable", "storage tier unavailable")
		}
		return
	}

	w.Header().Set("X-Data-Source", res.DataSource)
	w.Header().Set("X-Query-Strategy", string(res.Strategy))
	w.Header().Set("X-Cache-Status", res.CacheStatus)
	w.Header().Set("X-Processing-Time-Ms", strconv.FormatInt(res.ProcessingMS, 10))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"series_by_point": res.Series,
		"metadata": map[string]interface{}{
			"data_source":   res.DataSource,
			"strategy":      res.Strategy,
			"cache_status":  res.CacheStatus,
			"processing_ms": res.ProcessingMS,
		},
	})
}

// handlePoints proxies the upstream configured-points listing.
func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]

	points, err := s.points.ConfiguredPoints(r.Context(), site)
	if err != nil {
		log.Printf("[api] Configured points for %s failed: %v", site, err)
		writeError(w, http.StatusBadGateway, "upstream_failed", "upstream point listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": points})
}

func splitPoints(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTime accepts RFC3339 or raw epoch seconds.
func parseTime(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("missing time parameter")
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return sec, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
