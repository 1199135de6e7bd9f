package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gemscan/internal/cache"
	"gemscan/internal/queue"
	"gemscan/internal/repository"

	"github.com/gorilla/mux"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "commit": BuildCommit})
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

	ctx := r.Context()

	versions, err := s.repo.GetDatasetVersions(ctx)
	if err != nil {
		versions = map[string]int64{}
	}

	depths := map[string]int{}
	for _, q := range []string{queue.WorkItems, queue.WorkDone, queue.Consolidate} {
		if n, err := s.repo.QueueDepth(ctx, q); err == nil {
			depths[q] = n
		}
	}

	feedStats := map[string]interface{}{}
	for _, feed := range s.registry.Names() {
		stats := map[string]interface{}{}
		if n, err := s.repo.CountDiamonds(ctx, feed); err == nil {
			stats["active_diamonds"] = n
		}
		if raw, err := s.repo.CountRawByStatus(ctx, feed); err == nil {
			stats["raw"] = raw
		}
		if v, ok := versions[feed]; ok {
			stats["dataset_version"] = v
		}
		feedStats[feed] = stats
	}

	runs, err := s.repo.ListRuns(ctx, "", 10)
	if err != nil {
		runs = nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"status":       "ok",
		"feeds":        feedStats,
		"queues":       depths,
		"recent_runs":  runs,
		"cache_size":   s.cache.Len(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) handleSearchDiamonds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	minPrice, ok := parseFloatParam(r, "min_price")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "validation", "min_price must be a non-negative number")
		return
	}
	maxPrice, ok := parseFloatParam(r, "max_price")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "validation", "max_price must be a non-negative number")
		return
	}
	minCarat, ok := parseFloatParam(r, "min_carat")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "validation", "min_carat must be a non-negative number")
		return
	}
	maxCarat, ok := parseFloatParam(r, "max_carat")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "validation", "max_carat must be a non-negative number")
		return
	}

	params := repository.SearchParams{
		Feed:      q.Get("feed"),
		Shapes:    parseCSV(q.Get("shape")),
		Colors:    parseCSV(q.Get("color")),
		Clarities: parseCSV(q.Get("clarity")),
		Cuts:      parseCSV(q.Get("cut")),
		MinPrice:  minPrice,
		MaxPrice:  maxPrice,
		MinCarat:  minCarat,
		MaxCarat:  maxCarat,
		SortBy:    q.Get("sort_by"),
		SortDesc:  q.Get("sort_desc") == "1" || q.Get("sort_desc") == "true",
	}
	params.Limit, params.Offset = parseLimitOffset(r)

	// The fingerprint identifies the normalized filter set; the page
	// window rides alongside it since responses are paginated.
	fp := cache.Fingerprint(map[string]interface{}{
		"feed":      params.Feed,
		"shape":     params.Shapes,
		"color":     params.Colors,
		"clarity":   params.Clarities,
		"cut":       params.Cuts,
		"min_price": params.MinPrice,
		"max_price": params.MaxPrice,
		"min_carat": params.MinCarat,
		"max_carat": params.MaxCarat,
	})
	key := fmt.Sprintf("%s:%d:%d:%s:%t", fp, params.Offset, params.Limit, params.SortBy, params.SortDesc)

	if body, hit := s.cache.Get(key); hit {
		w.Write(body)
		return
	}

	diamonds, total, err := s.repo.SearchDiamonds(r.Context(), params)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	body, err := json.Marshal(apiEnvelope{
		Meta: map[string]interface{}{
			"total":  total,
			"limit":  params.Limit,
			"offset": params.Offset,
		},
		Data: diamonds,
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	s.cache.Put(key, body)
	w.Write(body)
}

func (s *Server) handleGetDiamond(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := s.repo.GetDiamond(r.Context(), vars["feed"], vars["supplier_stone_id"])
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	if d == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "diamond not found")
		return
	}
	writeAPIResponse(w, d, nil, nil)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := parseLimitOffset(r)
	runs, err := s.repo.ListRuns(r.Context(), r.URL.Query().Get("feed"), limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	writeAPIResponse(w, runs, map[string]interface{}{"count": len(runs)}, nil)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, err := s.repo.GetRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	if run == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	parts, err := s.repo.ListPartitions(r.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	writeAPIResponse(w, map[string]interface{}{
		"run":        run,
		"partitions": parts,
	}, nil, nil)
}
