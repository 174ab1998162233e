package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/session"
)

// GetSession handles GET /session/{session-id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session-id")
	sess, err := h.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, model.NewAPIError(model.CodeNotFound, "session not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// UpdateSession handles PATCH /session/{session-id}: extend, jump, or
// cancel navigation, per spec.md §4.5/§6.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session-id")

	var body sessionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, validationError("body", "invalid json"))
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, err)
		return
	}

	action := model.NavAction(body.Action)
	if action == "" {
		action = model.NavExtend
	}

	lastPage := body.LastPage
	if lastPage <= 0 {
		sess, err := h.deps.Sessions.Get(r.Context(), id)
		if err != nil {
			writeError(w, model.NewAPIError(model.CodeNotFound, "session not found", nil))
			return
		}
		if file, err := h.deps.Store.GetFile(r.Context(), sess.FileID); err == nil {
			lastPage = file.PageCount
		}
	}

	result, err := h.deps.Sessions.Update(r.Context(), id, body.CurrentPage, action, lastPage)
	if err != nil {
		if errors.Is(err, session.ErrNotActive) {
			writeError(w, model.NewAPIError(model.CodeSessionNotActive, "session is not active", nil))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionUpdateResponse{
		OK:            true,
		WindowStart:   result.WindowStart,
		WindowEnd:     result.WindowEnd,
		CanceledPages: result.CanceledPages,
		NewPages:      result.NewPages,
	})
}

// DeleteSession handles DELETE /session/{session-id}: stops the scheduler
// loop and cancels the session, per spec.md §4.5's cancellation semantics.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session-id")

	result, err := h.deps.Sessions.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotActive) {
			writeError(w, model.NewAPIError(model.CodeSessionNotActive, "session is not active", nil))
			return
		}
		writeError(w, err)
		return
	}
	h.scheduler.Stop(id)
	h.resolver.forget(id)

	writeJSON(w, http.StatusOK, sessionUpdateResponse{
		OK:            true,
		WindowStart:   result.WindowStart,
		WindowEnd:     result.WindowEnd,
		CanceledPages: result.CanceledPages,
	})
}
