package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/asin-matcher/internal/job"
)

// handleStartBatch handles POST /batch/start. The body is optional.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req job.StartOptions
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	opts, err := s.controller.Start(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Batch processing started",
		"options": opts,
	})
}

// handleBatchStatus handles GET /batch/status
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

// handleStopBatch handles POST /batch/stop. Stopping an idle processor is not an error.
func (s *Server) handleStopBatch(w http.ResponseWriter, r *http.Request) {
	wasRunning := s.controller.Stop()

	message := "Batch processing stop requested"
	if !wasRunning {
		message = "No batch processing is running"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":    message,
		"wasRunning": wasRunning,
	})
}

func (s *Server) handleBatchHistory(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]

	logs, err := s.controller.History(r.Context(), batchID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"batchId": batchID,
		"entries": logs,
	})
}
