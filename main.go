package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"pointscan/internal/api"
	"pointscan/internal/archival"
	"pointscan/internal/backfill"
	"pointscan/internal/coldstore"
	"pointscan/internal/config"
	"pointscan/internal/coordination"
	"pointscan/internal/etl"
	"pointscan/internal/query"
	"pointscan/internal/repository"
	"pointscan/internal/upstream"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing Pointscan Backend...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Upstream: %s", cfg.UpstreamURL)
	log.Printf("API Port: %s", cfg.APIPort)
	log.Printf("Sites: %v", cfg.Sites)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	coord, err := coordination.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer coord.Close()
	if err := coord.Ping(context.Background()); err != nil {
		log.Fatalf("Redis ping failed: %v", err)
	}

	var cold coldstore.Store
	if cfg.ColdBucket != "" {
		cold, err = coldstore.NewS3Store(context.Background(), coldstore.S3Config{
			Bucket:   cfg.ColdBucket,
			Region:   cfg.ColdRegion,
			Endpoint: cfg.ColdEndpoint,
			Key:      os.Getenv("COLD_ACCESS_KEY"),
			Secret:   os.Getenv("COLD_SECRET_KEY"),
		})
		if err != nil {
			log.Fatalf("Failed to init cold store: %v", err)
		}
	} else {
		// Dev convenience only: chunks do not survive a restart.
		log.Println("Warning: COLD_BUCKET not set, using in-memory cold store")
		cold = coldstore.NewMemoryStore()
	}

	client := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamToken, cfg.UpstreamTimeout())

	// 3. Services
	synchronizer := etl.NewSynchronizer(client, repo, coord, etl.Config{
		Sites:           cfg.Sites,
		Interval:        time.Duration(cfg.ETLIntervalSeconds) * time.Second,
		LookbackBuffer:  time.Duration(cfg.ETLLookbackBufferMinutes) * time.Minute,
		BatchSize:       cfg.ETLBatchSize,
		PageSize:        cfg.ETLPageSize,
		MaxPagesPerSync: cfg.ETLMaxPagesPerSync,
		SiteConcurrency: cfg.ETLSiteConcurrency,
	})

	engine := backfill.NewEngine(client, cold, coord, backfill.Config{
		PagesPerInvocation: cfg.BackfillPagesPerInvocation,
		PageSize:           cfg.BackfillPageSize,
	})

	compactor := archival.NewCompactor(repo, cold, coord, archival.Config{
		HotRetentionDays: cfg.HotRetentionDays,
		SiteConcurrency:  cfg.ArchivalSiteConcurrency,
		Interval:         time.Duration(cfg.ArchivalIntervalHours) * time.Hour,
	})

	cache, err := query.NewCache(coord, cfg.QueryCacheMaxEntries)
	if err != nil {
		log.Fatalf("Failed to init query cache: %v", err)
	}
	router := query.NewRouter(repo, cold, cache, client, query.Config{
		HotRetentionDays:     cfg.HotRetentionDays,
		MaxRangeDays:         cfg.QueryMaxRangeDays,
		ColdFetchParallelism: cfg.ColdFetchParallelism,
	})

	apiServer := api.NewServer(router, synchronizer, engine, repo, coord, client, cfg.Sites, cfg.APIPort)
	if cfg.OperatorToken != "" || cfg.JWTSecret != "" {
		apiServer.ConfigureAuth(cfg.OperatorToken, cfg.JWTSecret)
	}
	apiServer.ConfigureRateLimit(api.RateLimitConfig{
		RPS:   float64(cfg.APIRateLimitRPS),
		Burst: cfg.APIRateLimitBurst,
	})

	ctx, cancel := context.WithCancel(context.Background())

	// Handle SIGINT/SIGTERM — will block on sigChan at end of main()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start API in background
	go func() {
		log.Printf("Starting API Server on :%s", cfg.APIPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	// Start workers in background
	var wg sync.WaitGroup

	if os.Getenv("ENABLE_ETL") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			synchronizer.Start(ctx)
		}()
	} else {
		log.Println("ETL Synchronizer is DISABLED (ENABLE_ETL=false)")
	}

	if os.Getenv("ENABLE_BACKFILL") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.RunLoop(ctx, time.Duration(cfg.ETLIntervalSeconds)*time.Second)
		}()
	} else {
		log.Println("Backfill Engine is DISABLED (ENABLE_BACKFILL=false)")
	}

	if os.Getenv("ENABLE_ARCHIVAL") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			compactor.RunLoop(ctx)
		}()
	} else {
		log.Println("Archival Compactor is DISABLED (ENABLE_ARCHIVAL=false)")
	}

	log.Println("Pointscan Backend is running. Press Ctrl+C to stop.")

	<-sigChan
	log.Println("Shutdown signal received, stopping workers...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API Server shutdown error: %v", err)
	}
	log.Println("Shutdown complete.")
}

var dbURLPassword = regexp.MustCompile(`(://[^:/@]+):[^@]+@`)

// redactDatabaseURL hides the password when logging the DSN.
func redactDatabaseURL(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "*****")
			return u.String()
		}
		return dsn
	}
	return dbURLPassword.ReplaceAllString(dsn, "$1:*****@")
}
