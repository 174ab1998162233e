package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter assembles the chi router for the sticker engine's HTTP
// boundary, grounded on the teacher's mux-building pattern: a health
// check, permissive browser CORS, and the spec.md §6 resource routes
// behind the X-User-Id identity middleware.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-User-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/explain-page", h.ExplainPage)
		r.Get("/status/{generation-id}", h.Status)

		r.Get("/session/{session-id}", h.GetSession)
		r.Patch("/session/{session-id}", h.UpdateSession)
		r.Delete("/session/{session-id}", h.DeleteSession)

		r.Post("/sticker/{id}/refresh", h.RefreshSticker)
		r.Get("/sticker/{id}/version", h.GetStickerVersions)
		r.Patch("/sticker/{id}/version", h.SwitchStickerVersion)
	})

	return r
}

// Health reports store reachability, grounded on the teacher's GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
