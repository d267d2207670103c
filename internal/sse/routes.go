package sse

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the SSE handler at "/events" on the given router.
func RegisterRoutes(r chi.Router, snap Snapshotter) *Handler {
	h := NewHandler(snap)
	r.Get("/events", h.ServeHTTP)
	return h
}

// HandlerFunc returns the SSE handler as an http.HandlerFunc, for routers
// that don't use chi.
func (h *Handler) HandlerFunc() http.HandlerFunc {
	return h.ServeHTTP
}
