package model

import "time"

// ContextEntryType is the closed variant of mined knowledge entry kinds,
// per spec.md §9 design note ("prefer an enum + single value type").
type ContextEntryType string

const (
	ContextDefinition ContextEntryType = "definition"
	ContextFormula    ContextEntryType = "formula"
	ContextTheorem    ContextEntryType = "theorem"
	ContextConcept    ContextEntryType = "concept"
	ContextPrinciple  ContextEntryType = "principle"
)

// MinQualityScore is the persistence floor for extracted entries.
const MinQualityScore = 0.7

// ContextEntry is a deduplicated, quality-scored snippet of course
// knowledge mined from a PDF. See spec.md §3.
type ContextEntry struct {
	ID               string
	PDFHash          string
	Type             ContextEntryType
	Title            string
	Body             string
	SourcePage       int
	Keywords         []string
	QualityScore     float64
	Language         string
	ExtractionVersion int
	CreatedAt        time.Time
}

// ContextJobState is the lifecycle state of a Context Extraction Job.
type ContextJobState string

const (
	JobPending    ContextJobState = "pending"
	JobProcessing ContextJobState = "processing"
	JobCompleted  ContextJobState = "completed"
	JobFailed     ContextJobState = "failed"
)

// MaxJobRetries bounds retry-count while a job is non-terminal, per
// spec.md §3 / §4.7.
const MaxJobRetries = 3

// RetryBackoff is the scheduled delay before retry N (0-indexed), per
// spec.md §4.7.
var RetryBackoff = []time.Duration{1 * time.Minute, 2 * time.Minute, 4 * time.Minute}

// ContextJob is a claim-leased unit of extraction work for one PDF.
type ContextJob struct {
	ID                string
	PDFHash           string
	FileID            string
	UserID            string
	State             ContextJobState
	TotalPages        int
	EstimatedTotalWords int
	ProcessedPages    int
	ProcessedWords    int
	// CurrentBatch and TotalBatches are progress-reporting estimates derived
	// once from a page sample; completion is gated on ProcessedPages reaching
	// TotalPages, not on these counters.
	CurrentBatch      int
	TotalBatches      int
	ExtractionVersion int
	RetryCount        int
	LastError         string
	LeaseHolder       string
	LeaseExpiresAt    *time.Time
	RunAfter          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserContextScope is a many-to-many (user, course, file, pdf-hash)
// association defining which pdf-hashes a user may draw context from.
type UserContextScope struct {
	UserID   string
	CourseID string
	FileID   string
	PDFHash  string
}
