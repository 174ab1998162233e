// Package httpapi implements the HTTP boundary (spec.md §6): explain-page
// generation, session control, and sticker version management, routed with
// chi and wrapped in permissive CORS for a browser-based PDF viewer client.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// writeJSON writes a success response shaped {ok:true, ...fields}.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("httpapi: encode response failed", zap.Error(err))
	}
}

type errorBody struct {
	Code    model.ErrorCode `json:"code"`
	Message string          `json:"message"`
	Details map[string]any  `json:"details,omitempty"`
}

type errorEnvelope struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
}

// writeError renders the {ok:false, error:{code,message,details?}} envelope
// spec.md §6 requires, picking an HTTP status from the error's taxonomy code.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := model.AsAPIError(err)
	if !ok {
		ae = model.NewAPIError(model.CodeInternal, "internal error", nil)
	}
	writeJSON(w, statusForCode(ae.Code), errorEnvelope{
		OK: false,
		Error: errorBody{
			Code:    ae.Code,
			Message: ae.Message,
			Details: ae.Details,
		},
	})
}

func statusForCode(code model.ErrorCode) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case model.CodeFileIsScanned, model.CodeInsufficientText:
		return http.StatusBadRequest
	case model.CodeSessionExists:
		return http.StatusConflict
	case model.CodeSessionNotActive:
		return http.StatusBadRequest
	case model.CodeNotFound, model.CodeVersionNotFound:
		return http.StatusNotFound
	case model.CodeUpdateFailed, model.CodeAIError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func validationError(field, message string) *model.APIError {
	return model.NewAPIError(model.CodeValidation, message, map[string]any{"field": field})
}
