package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"gemscan/internal/api"
	"gemscan/internal/blobstore"
	"gemscan/internal/cache"
	"gemscan/internal/config"
	"gemscan/internal/consolidator"
	"gemscan/internal/feeds"
	"gemscan/internal/monitor"
	"gemscan/internal/progress"
	"gemscan/internal/queue"
	"gemscan/internal/ratelimit"
	"gemscan/internal/repository"
	"gemscan/internal/scheduler"
	"gemscan/internal/worker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing GemScan Backend...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("API Port: %d", cfg.APIPort)
	log.Printf("Feeds: %v", cfg.Feeds)

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

	// 2b. Watermark store: object storage when configured, in-process
	// otherwise (single-node and dev setups).
	var blobs blobstore.Store
	if cfg.BlobEndpoint != "" {
		m, err := blobstore.NewMinio(context.Background(),
			cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
		if err != nil {
			log.Fatalf("Failed to connect to blob store: %v", err)
		}
		blobs = m
		log.Printf("Watermark store: %s/%s", cfg.BlobEndpoint, cfg.BlobBucket)
	} else {
		blobs = blobstore.NewMemory()
		log.Println("Watermark store: in-memory (BLOB_ENDPOINT not set)")
	}

	// 2c. Feed adapters.
	registry := feeds.NewRegistry()
	for _, feed := range cfg.Feeds {
		switch feed {
		case "demo":
			registry.Register(feeds.NewDemo("demo", cfg.DemoSeed, cfg.DemoCount))
		case "nivoda":
			if cfg.NivodaUsername == "" || cfg.NivodaPassword == "" {
				log.Fatalf("Feed nivoda enabled but NIVODA_USERNAME/NIVODA_PASSWORD not set")
			}
			registry.Register(feeds.NewNivoda(cfg.NivodaBaseURL, cfg.NivodaUsername, cfg.NivodaPassword))
		default:
			log.Fatalf("Unknown feed %q in config", feed)
		}
	}

	q := queue.NewPostgres(repo)
	limiter := ratelimit.New(repo, ratelimit.Config{
		Key:         cfg.RateLimitKey,
		MaxRequests: cfg.RateLimitRequests,
		Window:      cfg.RateLimitWindow,
		MaxWait:     cfg.RateLimitMaxWait,
	})
	bus := progress.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// 3. Pipeline roles
	sched := scheduler.New(repo, q, blobs, registry, bus, cfg)

	if cfg.RoleEnabled("worker") {
		wk := worker.New(repo, q, registry, limiter, bus, cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Worker stopped: %v", err)
			}
		}()
		log.Println("Worker started.")
	}

	if cfg.RoleEnabled("consolidator") {
		cons := consolidator.New(repo, q, blobs, registry, bus, cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Consolidator stopped: %v", err)
			}
		}()
		log.Println("Consolidator started.")
	}

	if cfg.RoleEnabled("monitor") {
		mon := monitor.New(repo, q, registry, bus, cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Monitor stopped: %v", err)
			}
		}()
		log.Println("Monitor started.")
	}

	if cfg.RoleEnabled("scheduler") {
		// One planning pass per feed at startup; subsequent runs are
		// triggered through the admin surface or an external cron.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, feed := range registry.Names() {
				if _, err := sched.RunFeed(ctx, feed); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("Scheduler: %s: %v", feed, err)
				}
			}
		}()
		log.Println("Scheduler started.")
	}

	// 4. API
	var apiServer *api.Server
	if cfg.RoleEnabled("api") {
		respCache, err := cache.New(cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("Failed to build response cache: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			respCache.Poll(ctx, repo, cfg.VersionPollEvery)
		}()

		api.BuildCommit = BuildCommit
		apiServer = api.NewServer(repo, q, sched, respCache, bus, registry, cfg)
		go func() {
			log.Printf("API listening on :%d", cfg.APIPort)
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("API server failed: %v", err)
			}
		}()
	}

	// 5. Block until shutdown signal, then drain.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")

	cancel()
	bus.Close()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API shutdown: %v", err)
		}
	}
	wg.Wait()
	log.Println("Shutdown complete.")
}

var dbURLCredsRe = regexp.MustCompile(`://[^@/]+@`)

// redactDatabaseURL hides credentials before logging the DSN.
func redactDatabaseURL(dbURL string) string {
	if u, err := url.Parse(dbURL); err == nil && u.User != nil {
		u.User = url.User(u.User.Username())
		return u.String()
	}
	return dbURLCredsRe.ReplaceAllString(dbURL, "://***@")
}
