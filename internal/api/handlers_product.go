package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

func productIDFrom(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["productId"])
}

// handleGetMappings handles GET /mappings/{productId}
func (s *Server) handleGetMappings(w http.ResponseWriter, r *http.Request) {
	productID := productIDFrom(r)
	if productID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Product id required", nil)
		return
	}

	result, err := s.controller.Mappings(r.Context(), productID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleProcessProduct handles POST /process-product/{productId}
func (s *Server) handleProcessProduct(w http.ResponseWriter, r *http.Request) {
	productID := productIDFrom(r)
	if productID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Product id required", nil)
		return
	}

	result, err := s.controller.ProcessSingle(r.Context(), productID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
