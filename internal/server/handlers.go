package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/franz/pbs-search/internal/ingest"
	"github.com/franz/pbs-search/internal/search"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.WarnLog("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "Missing query parameter q")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	resp, err := s.cfg.Search.Search(r.Context(), search.Params{
		Q:        q,
		Schedule: strings.TrimSpace(r.URL.Query().Get("schedule")),
		Limit:    limit,
	})
	if err != nil {
		util.ErrorLog("Search %q failed: %v", q, err)
		writeError(w, http.StatusInternalServerError, "Search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Store.GetDoc(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		util.ErrorLog("Doc lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]*store.Doc{"doc": doc})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.cfg.Store.ListSchedules(r.Context())
	if err != nil {
		util.ErrorLog("Listing schedules failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if schedules == nil {
		schedules = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string][]*store.Schedule{"schedules": schedules})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	latest, err := s.cfg.Store.LatestSchedule(r.Context())
	if err != nil {
		util.ErrorLog("Latest schedule lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]*store.Schedule{"latestSchedule": latest})
}

// adminToken reads X-Admin-Token, falling back to an Authorization bearer
func adminToken(r *http.Request) string {
	if t := r.Header.Get("X-Admin-Token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return auth[len("bearer "):]
	}
	return ""
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			provided := adminToken(r)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type ingestRequest struct {
	TargetDate     *string `json:"targetDate"`
	LookbackMonths *int    `json:"lookbackMonths"`
}

func parseTargetDate(s string) (time.Time, error) {
	if t, err := time.Parse(store.DateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	opts := ingest.Options{Origin: "api", LookbackMonths: req.LookbackMonths}
	if req.TargetDate != nil && *req.TargetDate != "" {
		t, err := parseTargetDate(*req.TargetDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid targetDate, expected YYYY-MM-DD")
			return
		}
		opts.TargetDate = &t
	}
	if req.LookbackMonths != nil && *req.LookbackMonths < 0 {
		writeError(w, http.StatusBadRequest, "lookbackMonths must be >= 0")
		return
	}

	if !s.ingesting.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "Ingest already running")
		return
	}
	defer s.ingesting.Store(false)

	result, err := s.cfg.Ingest.Run(r.Context(), opts)
	if err != nil {
		util.ErrorLog("Ingest failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Ingest failed", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
