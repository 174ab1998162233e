package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/session"
)

// startWindowSession handles the mode="window" branch of POST explain-page:
// it opens a window session and hands it to the shared scheduler, per
// spec.md §4.5/§4.6.
func (h *Handler) startWindowSession(w http.ResponseWriter, r *http.Request, userID string, file *model.File, pdfType model.PDFType, locale model.Locale, req explainPageRequest) {
	ctx := r.Context()
	lastPage := req.LastPage
	if lastPage <= 0 {
		lastPage = file.PageCount
	}

	sess, err := h.deps.Sessions.Start(ctx, userID, file.ID, req.Page, pdfType, lastPage)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			writeError(w, model.NewAPIError(model.CodeSessionExists, "an active session already exists for this file", nil))
			return
		}
		writeError(w, err)
		return
	}

	h.resolver.register(sess.ID, locale, req.Question)
	// Background, not the request context: the scheduler loop must outlive
	// this handler call and is stopped explicitly via session Cancel/DELETE.
	h.scheduler.Launch(context.Background(), sess)

	writeJSON(w, http.StatusAccepted, windowAcceptedResponse{
		OK:          true,
		SessionID:   sess.ID,
		WindowStart: sess.WindowStart,
		WindowEnd:   sess.WindowEnd,
		PDFType:     sess.PDFType,
	})
}
