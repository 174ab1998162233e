package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// RefreshSticker handles POST /sticker/{id}/refresh: overwrites the
// sticker's content in place with the supplied markdown, per spec.md §6.
func (h *Handler) RefreshSticker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body stickerRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, validationError("body", "invalid json"))
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, err)
		return
	}

	if err := h.deps.Store.UpdateStickerContent(r.Context(), id, body.ContentMarkdown); err != nil {
		writeError(w, model.NewAPIError(model.CodeUpdateFailed, "sticker not found", nil))
		return
	}
	sticker, err := h.deps.Store.GetSticker(r.Context(), id)
	if err != nil {
		writeError(w, model.NewAPIError(model.CodeNotFound, "sticker not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, stickerResponse{OK: true, Sticker: *sticker})
}

// GetStickerVersions handles GET /sticker/{id}/version: lists every
// version in the sticker's thread and which one is active, per spec.md §6.
func (h *Handler) GetStickerVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	threadRoot, err := h.deps.Store.GetThreadRootID(r.Context(), id)
	if err != nil {
		writeError(w, model.NewAPIError(model.CodeNotFound, "sticker not found", nil))
		return
	}
	versions, err := h.deps.Store.ListStickersByThreadRoot(r.Context(), threadRoot)
	if err != nil {
		writeError(w, err)
		return
	}
	active, err := h.deps.Store.GetActiveVersion(r.Context(), threadRoot)
	if err != nil {
		writeError(w, err)
		return
	}
	if active == "" {
		active = threadRoot
	}
	writeJSON(w, http.StatusOK, versionListResponse{OK: true, ActiveVersion: active, Versions: versions})
}

// SwitchStickerVersion handles PATCH /sticker/{id}/version: marks a
// version active for its thread, per spec.md §6.
func (h *Handler) SwitchStickerVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body versionSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, validationError("body", "invalid json"))
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, err)
		return
	}

	threadRoot, err := h.deps.Store.GetThreadRootID(r.Context(), id)
	if err != nil {
		writeError(w, model.NewAPIError(model.CodeNotFound, "sticker not found", nil))
		return
	}
	versionThreadRoot, err := h.deps.Store.GetThreadRootID(r.Context(), body.VersionID)
	if err != nil || versionThreadRoot != threadRoot {
		writeError(w, model.NewAPIError(model.CodeVersionNotFound, "version does not belong to this thread", nil))
		return
	}

	if err := h.deps.Store.SetActiveVersion(r.Context(), threadRoot, body.VersionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "activeVersionId": body.VersionID})
}
