package resilience

import (
	"time"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// DLQEntry represents a context extraction job that exhausted its retries
// and needs operator attention or a later replay.
type DLQEntry struct {
	ID           string           `json:"id"`
	Job          model.ContextJob `json:"job"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"errorType"` // "transient" or "permanent"
	RetryCount   int              `json:"retryCount"`
	MaxRetries   int              `json:"maxRetries"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastFailedAt time.Time        `json:"lastFailedAt"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"errorType,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
