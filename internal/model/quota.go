package model

import "time"

// Bucket names recognized by the quota service, per spec.md §4.2.
const (
	BucketAutoExplain          = "autoExplain"
	BucketLearningInteractions = "learningInteractions"
	BucketExtractions          = "extractions"
)

// DefaultBucketLimits are the monthly caps applied when a bucket has never
// been provisioned for a user.
var DefaultBucketLimits = map[string]int{
	BucketAutoExplain:          300,
	BucketLearningInteractions: 300,
	BucketExtractions:          20,
}

// QuotaBucket is a monotonic usage counter that resets on a schedule.
type QuotaBucket struct {
	UserID  string
	Bucket  string
	Used    int
	Limit   int
	ResetAt time.Time
}

// Allowed reports whether at least n more units may be deducted.
func (q QuotaBucket) Allowed(n int) bool {
	return q.Used+n <= q.Limit
}
