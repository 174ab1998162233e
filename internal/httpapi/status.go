package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// Status handles GET /status/{generation-id}, per spec.md §6.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "generation-id")
	if id == "" {
		writeError(w, validationError("generation-id", "required"))
		return
	}
	result, err := h.deps.Cache.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, model.NewAPIError(model.CodeNotFound, "generation not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		OK:               true,
		State:            result.State,
		Stickers:         result.Stickers,
		Error:            result.Error,
		GenerationTimeMS: result.GenerationTimeMS,
	})
}
