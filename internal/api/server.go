// Package api is the HTTP surface: health and status, the query endpoint, and
// the operator endpoints that drive ETL and backfill.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"pointscan/internal/models"
	"pointscan/internal/query"
	"pointscan/internal/upstream"
)

// Querier plans and executes range queries.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*query.Result, error)
}

// Syncer runs and reports on ETL syncs.
type Syncer interface {
	RunSync(ctx context.Context, site string) (*models.SyncResult, error)
	Status(ctx context.Context, site string) (*models.SyncStatus, error)
}

// Backfiller drives backfill jobs.
type Backfiller interface {
	StartJob(ctx context.Context, site, startDate, endDate string) (*models.BackfillState, error)
	Tick(ctx context.Context, jobID string) (*models.BackfillState, error)
	Status(ctx context.Context, jobID string) (*models.BackfillState, error)
}

// HotStats is the slice of the hot tier the status endpoint reads.
type HotStats interface {
	Bounds(ctx context.Context, site string) (minTS, maxTS, count int64, err error)
}

// ArchivalReader exposes the compactor's observability records.
type ArchivalReader interface {
	ArchivalRecords(ctx context.Context, site string) ([]models.ArchivalRecord, error)
}

type Server struct {
	querier    Querier
	syncer     Syncer
	backfiller Backfiller
	hot        HotStats
	archival   ArchivalReader
	points     upstream.API
	auth       *operatorAuth
	limiter    *ipLimiter
	sites      []string
	httpServer *http.Server

	queryTimeout time.Duration

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(querier Querier, syncer Syncer, backfiller Backfiller, hot HotStats, archival ArchivalReader, points upstream.API, sites []string, port string) *Server {
	r := mux.NewRouter()

	s := &Server{
		querier:      querier,
		syncer:       syncer,
		backfiller:   backfiller,
		hot:          hot,
		archival:     archival,
		points:       points,
		sites:        sites,
		auth:         newOperatorAuth(os.Getenv("OPERATOR_TOKEN"), os.Getenv("JWT_SECRET")),
		limiter:      newIPLimiter(RateLimitConfig{RPS: 10, Burst: 20}),
		queryTimeout: 30 * time.Second,
	}

	r.Use(commonMiddleware)
	r.Use(s.rateLimit)
	s.registerRoutes(r)

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/trigger", s.requireOperator(s.handleTrigger)).Methods("POST", "OPTIONS")
	r.HandleFunc("/backfill/start", s.requireOperator(s.handleBackfillStart)).Methods("POST", "OPTIONS")
	r.HandleFunc("/backfill/status", s.handleBackfillStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/backfill/tick", s.requireOperator(s.handleBackfillTick)).Methods("POST", "OPTIONS")
	r.HandleFunc("/timeseries/query", s.handleQuery).Methods("GET", "OPTIONS")
	r.HandleFunc("/sites/{site}/points", s.handlePoints).Methods("GET", "OPTIONS")
}

// ConfigureAuth overrides the env-derived operator credentials, for configs
// loaded from file.
func (s *Server) ConfigureAuth(staticToken, jwtSecret string) {
	s.auth = newOperatorAuth(staticToken, jwtSecret)
}

// ConfigureRateLimit replaces the default per-IP limit. Call before Start.
func (s *Server) ConfigureRateLimit(cfg RateLimitConfig) {
	s.limiter = newIPLimiter(cfg)
}

// Handler exposes the configured routes for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeError emits the uniform JSON error shape. Messages are sanitized by the
// callers; internal details stay in the logs.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
