package status

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/progress"
)

// errorResponse is the JSON body for API failures
type errorResponse struct {
	Error string `json:"error"`
}

// triggerResponse is the JSON body for a successful sync trigger
type triggerResponse struct {
	SyncID string `json:"sync_id"`
}

// handleTriggerSync starts a sync cycle. The mode query parameter
// selects incremental (default) or full; if a cycle is already running
// the engine decides whether to coalesce or queue and the returned id
// reflects that decision.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	mode := feed.ModeIncremental
	if v := r.URL.Query().Get("mode"); v != "" {
		mode = feed.SyncMode(v)
		if err := mode.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	syncID, err := s.svc.TriggerSync(r.Context(), mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Printf("Sync triggered via API: %s (mode=%s)", syncID, mode)
	writeJSON(w, http.StatusAccepted, triggerResponse{SyncID: syncID})
}

// handleGetSync reports the state of one sync run. A 404 means the id
// was never issued or the run aged past the retention window.
func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleCancelSync requests cancellation of the active run
func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	cancelled := s.svc.CancelActive()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleDeadLetters lists queue entries abandoned after exhausting
// their retries
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.svc.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if letters == nil {
		letters = []feed.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, letters)
}

// handleRequeue moves a dead letter back into the change queue
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.RequeueDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Printf("Dead letter requeued via API: %s", id)
	writeJSON(w, http.StatusOK, map[string]string{"requeued": id})
}

// handleRate reports the current call budget ledger
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RateSnapshot())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
