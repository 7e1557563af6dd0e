package api

import (
	"net/http"
	"strings"
	"time"

	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/models"
	"github.com/gorilla/mux"
)

// CreateJobRequest is the body of POST /api/ai/prospect/jobs
type CreateJobRequest struct {
	Prompt    string         `json:"prompt"`
	Size      int            `json:"size,omitempty"`
	Providers []string       `json:"providers,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// handleCreateJob queues a prospecting job and returns it without waiting
// for the run.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, _, err := s.jobs.Submit(r.Context(), &models.ProspectRequest{
		Prompt:    req.Prompt,
		Size:      req.Size,
		Providers: req.Providers,
		Filters:   req.Filters,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/ai/prospect/jobs/"+job.ID)
	respondJSON(w, http.StatusCreated, job)
}

// handleGetJob returns the job's current status
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleListEvents returns the job's events, optionally only those strictly
// newer than ?since=<RFC3339>
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	events, err := s.store.ListEvents(r.Context(), mux.Vars(r)["id"], since)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

// parseSince reads the events cursor. Empty means "from the beginning".
func parseSince(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("since", "must be an RFC3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}
