package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStartEnhance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req targetPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.enhance.StartEnhance(name, req.SourcePath, req.RelativePath); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleSubmitDecisions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.enhance.SubmitDecisions(name, body); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func researchIndex(r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	return idx, err == nil
}

type researchResultRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleSubmitResearch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	idx, ok := researchIndex(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid research topic index")
		return
	}
	var req researchResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.enhance.SubmitResearch(name, idx, req.Result); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRejectResearchTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	idx, ok := researchIndex(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid research topic index")
		return
	}
	if err := s.enhance.RejectResearchTopic(name, idx); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleSubmitResearchApi(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	idx, ok := researchIndex(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid research topic index")
		return
	}
	if err := s.enhance.SubmitResearchApi(name, idx); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

type replanRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleReplanBatches(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req replanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.enhance.ReplanBatches(name, req.Feedback); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleApproveBatches(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.enhance.ApproveBatches(name); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.enhance.RetryBatch(name); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}
