package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gemscan/internal/models"
	"gemscan/internal/queue"

	"github.com/gorilla/mux"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// adminAuthMiddleware guards the admin surface with an HMAC-signed JWT
// carrying a sub claim. An empty secret disables the surface entirely.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.AdminJWTSecret == "" {
			writeAPIError(w, http.StatusForbidden, "forbidden", "admin surface disabled")
			return
		}
		if _, err := s.verifyAdminToken(r); err != nil {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyAdminToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.AdminJWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token missing sub claim")
	}
	return sub, nil
}

// handleAdminIngest launches a scheduler run for the feed. Planning
// can take a while against a slow upstream, so it runs detached and
// the request returns 202 immediately.
func (s *Server) handleAdminIngest(w http.ResponseWriter, r *http.Request) {
	feed := mux.Vars(r)["feed"]
	if _, err := s.registry.Get(feed); err != nil {
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if run, err := s.sched.RunFeed(ctx, feed); err != nil {
			log.Printf("[api] ingest %s: %v", feed, err)
		} else {
			log.Printf("[api] ingest %s: run %s launched", feed, run.RunID)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	writeAPIResponse(w, map[string]string{"feed": feed, "status": "scheduled"}, nil, nil)
}

// handleAdminConsolidate force-publishes a consolidation pass for a
// run. The id carries a timestamp so it bypasses deduplication of an
// earlier pass.
func (s *Server) handleAdminConsolidate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feed, runID := vars["feed"], vars["run_id"]

	run, err := s.repo.GetRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	if run == nil || run.Feed != feed {
		writeAPIError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}

	body, err := json.Marshal(models.Consolidate{
		Type:  models.MessageConsolidate,
		RunID: runID,
		Feed:  feed,
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	id := fmt.Sprintf("consolidate:%s:admin:%d", runID, time.Now().Unix())
	if _, err := s.queue.Enqueue(r.Context(), queue.Consolidate, id, body); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeAPIResponse(w, map[string]string{"run_id": runID, "status": "consolidation enqueued"}, nil, nil)
}

func (s *Server) handleAdminCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	cancelled, err := s.repo.CancelRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	if !cancelled {
		writeAPIError(w, http.StatusConflict, "conflict", "run already terminated")
		return
	}
	writeAPIResponse(w, map[string]string{"run_id": runID, "status": "cancelled"}, nil, nil)
}

// handleAdminResetPartition forces a terminal partition back to
// pending and republishes its stored work item from the durable
// offset.
func (s *Server) handleAdminResetPartition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID := vars["run_id"]
	partitionID, err := strconv.Atoi(vars["partition_id"])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "validation", "partition_id must be an integer")
		return
	}

	reset, err := s.repo.ResetPartition(r.Context(), runID, partitionID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	if !reset {
		writeAPIError(w, http.StatusConflict, "conflict", "partition is not in a terminal state")
		return
	}

	p, err := s.repo.GetPartition(r.Context(), runID, partitionID)
	if err != nil || p == nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	var item models.WorkItem
	if err := json.Unmarshal(p.WorkItemPayload, &item); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	item.Type = models.MessageWorkItem
	if p.NextOffset > item.Offset {
		item.Offset = p.NextOffset
	}
	body, err := json.Marshal(item)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}
	id := fmt.Sprintf("reset:%s:%d:%d", runID, partitionID, time.Now().Unix())
	if _, err := s.queue.Enqueue(r.Context(), queue.WorkItems, id, body); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	writeAPIResponse(w, map[string]interface{}{
		"run_id":       runID,
		"partition_id": partitionID,
		"offset":       item.Offset,
		"status":       "reset",
	}, nil, nil)
}
