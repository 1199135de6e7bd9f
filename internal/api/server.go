package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gemscan/internal/cache"
	"gemscan/internal/config"
	"gemscan/internal/feeds"
	"gemscan/internal/progress"
	"gemscan/internal/queue"
	"gemscan/internal/repository"
	"gemscan/internal/scheduler"

	"github.com/gorilla/mux"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

type Server struct {
	repo     *repository.Repository
	queue    queue.Queue
	sched    *scheduler.Scheduler
	cache    *cache.ResponseCache
	bus      *progress.Bus
	registry *feeds.Registry
	cfg      *config.Config

	httpServer *http.Server
	hub        *wsHub

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(repo *repository.Repository, q queue.Queue, sched *scheduler.Scheduler, respCache *cache.ResponseCache, bus *progress.Bus, registry *feeds.Registry, cfg *config.Config) *Server {
	s := &Server{
		repo:     repo,
		queue:    q,
		sched:    sched,
		cache:    respCache,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		hub:      newWSHub(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerV1Routes(r, s)
	registerAdminRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	go s.hub.run()
	if s.bus != nil {
		go s.forwardProgress()
	}
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
