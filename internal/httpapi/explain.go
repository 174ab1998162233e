package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/fingerprint"
	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
)

// generationTimeout bounds a detached single-page generation goroutine so
// the request's cancellation doesn't cut it short; mirrors the teacher's
// detached-job pattern for work that must outlive the HTTP handler.
const generationTimeout = 5 * time.Minute

func backgroundContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), generationTimeout)
}

const maxMultipartMemory = 32 << 20 // 32MiB, mirrors net/http's own default

// ExplainPage handles POST /explain-page: single-page generation (state
// ready|generating) or window-mode session creation, per spec.md §6.
func (h *Handler) ExplainPage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	req, err := decodeExplainRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	file, err := h.deps.Store.GetFile(r.Context(), req.FileID)
	if err != nil {
		writeError(w, model.NewAPIError(model.CodeNotFound, "file not found", nil))
		return
	}
	if file.IsScanned {
		writeError(w, model.NewAPIError(model.CodeFileIsScanned, "file is a scanned pdf; no extractable text", nil))
		return
	}

	pdfType := model.PDFTypeTag(req.PDFType)
	locale := model.NormalizeLocale(req.Locale)

	if h.deps.ContextJob != nil {
		if _, _, err := h.deps.ContextJob.Enqueue(r.Context(), file.ContentHash, file.ID, userID, file.PageCount); err != nil {
			zap.L().Warn("httpapi: context job enqueue failed", zap.Error(err))
		}
	}

	if req.Mode == "window" {
		h.startWindowSession(w, r, userID, file, pdfType, locale, req)
		return
	}
	h.explainSinglePage(w, r, userID, file, pdfType, locale, req)
}

func decodeExplainRequest(r *http.Request) (explainPageRequest, error) {
	var req explainPageRequest
	ct := r.Header.Get("Content-Type")
	if len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return req, validationError("body", "invalid multipart form")
		}
		req.FileID = r.FormValue("fileId")
		req.CourseID = r.FormValue("courseId")
		req.PDFType = r.FormValue("pdfType")
		req.Locale = r.FormValue("locale")
		req.Mode = r.FormValue("mode")
		req.Question = r.FormValue("question")
		req.Page = atoiDefault(r.FormValue("page"), 0)
		req.TotalPages = atoiDefault(r.FormValue("totalPages"), 0)
		req.LastPage = atoiDefault(r.FormValue("lastPage"), 0)
		if raw := r.FormValue("regions"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Regions); err != nil {
				return req, validationError("regions", "invalid json")
			}
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, validationError("body", "invalid json")
		}
	}

	if err := validateStruct(req); err != nil {
		return req, err
	}
	return req, nil
}

func atoiDefault(s string, def int) int {
	n := 0
	neg := false
	if s == "" {
		return def
	}
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func (h *Handler) explainSinglePage(w http.ResponseWriter, r *http.Request, userID string, file *model.File, pdfType model.PDFType, locale model.Locale, req explainPageRequest) {
	ctx := r.Context()
	mode := model.ModeTextOnly
	selectionHash := ""
	if len(req.Regions) > 0 {
		mode = model.ModeWithSelectedImages
		regions := make([]fingerprint.Region, len(req.Regions))
		for i, rg := range req.Regions {
			regions[i] = fingerprint.Region{Page: rg.Page, Rect: rg.Rect}
		}
		hash, err := fingerprint.CanonicalSelectionHash(req.Page, mode, locale, regions)
		if err != nil {
			writeError(w, validationError("regions", err.Error()))
			return
		}
		selectionHash = hash
	}

	fp := model.Fingerprint{PDFHash: file.ContentHash, Page: req.Page, Locale: locale, EffectiveMode: mode, SelectionHash: selectionHash}

	probe, err := h.deps.Cache.Probe(ctx, fp)
	if err != nil {
		writeError(w, err)
		return
	}

	switch probe.State {
	case stickercache.ProbeReady:
		if _, err := h.deps.Quota.Deduct(ctx, userID, model.BucketAutoExplain, 1); err != nil {
			h.recordQuotaRejection()
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, readyResponse{OK: true, State: "ready", Stickers: probe.Stickers})
		return
	case stickercache.ProbeGenerating:
		writeJSON(w, http.StatusAccepted, acceptedResponse{OK: true, State: "generating", GenerationID: probe.GenerationID})
		return
	}

	if _, err := h.deps.Quota.Deduct(ctx, userID, model.BucketAutoExplain, 1); err != nil {
		h.recordQuotaRejection()
		writeError(w, err)
		return
	}

	start, err := h.deps.Cache.TryStart(ctx, fp, userID, 1, len(req.Regions), req.Regions)
	if err != nil {
		_ = h.deps.Quota.Refund(ctx, userID, model.BucketAutoExplain, 1)
		writeError(w, err)
		return
	}
	if start.AlreadyExists {
		_ = h.deps.Quota.Refund(ctx, userID, model.BucketAutoExplain, 1)
		writeJSON(w, http.StatusAccepted, acceptedResponse{OK: true, State: "generating", GenerationID: start.GenerationID})
		return
	}

	genReq := generator.Request{
		GenerationID: start.GenerationID,
		UserID:       userID,
		CourseID:     file.CourseID,
		FileID:       file.ID,
		PDFHash:      file.ContentHash,
		Page:         req.Page,
		TotalPages:   file.PageCount,
		PDFType:      pdfType,
		Locale:       locale,
		StorageKey:   file.StorageKey,
		Regions:      req.Regions,
		Question:     req.Question,
	}

	// Run detached: generator.Generate already reports completion/failure to
	// the shared cache, so the HTTP response only needs the claimed id.
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("httpapi: generation panicked", zap.Any("recover", rec))
			}
		}()
		ctx, cancel := backgroundContext()
		defer cancel()
		if err := h.deps.Generator.Generate(ctx, genReq); err != nil {
			zap.L().Warn("httpapi: generation failed", zap.String("generationId", genReq.GenerationID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, acceptedResponse{OK: true, State: "generating", GenerationID: start.GenerationID})
}

func (h *Handler) recordQuotaRejection() {
	if h.deps.Collector != nil {
		h.deps.Collector.RecordQuotaRejection()
	}
}
