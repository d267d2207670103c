package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type targetPathRequest struct {
	SourcePath   string `json:"sourcePath"`
	RelativePath string `json:"relativePath"`
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req targetPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.harden.RunAnalysis(name, req.SourcePath, req.RelativePath); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleLoadExistingAnalysis(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req targetPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.harden.LoadExistingAnalysis(name, req.SourcePath, req.RelativePath); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.harden.SubmitDecision(name, body); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleRetryTests(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.harden.RetryTests(name); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleRetryCi(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.harden.RetryCi(name); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleRetryAnalysis(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req targetPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.harden.RetryAnalysis(name, req.SourcePath, req.RelativePath); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

type questionRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAskQuestion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.harden.AskQuestion(name, req.Question)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"queryId": id})
}

type explainRequest struct {
	Finding string `json:"finding"`
}

func (s *Server) handleExplainFinding(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.harden.ExplainFinding(name, req.Finding)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"queryId": id})
}
