package httpapi

import (
	"context"
	"net/http"

	"github.com/pdfreader/sticker-engine/internal/model"
)

type contextKey string

const userIDContextKey contextKey = "userID"

// requireUser extracts the caller's identity from X-User-Id, the boundary
// this engine sits behind is expected to authenticate and forward. Missing
// or empty values are rejected per spec.md §7's Authorization taxonomy.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeError(w, model.NewAPIError(model.CodeUnauthorized, "missing X-User-Id header", nil))
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDContextKey).(string)
	return userID
}
