// Package quota checks and deducts per-user monthly usage buckets.
package quota

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/store"
)

// Service enforces monthly usage caps for autoExplain, learningInteractions,
// and extractions buckets, backed by store.Store's atomic quota operations.
type Service struct {
	st store.Store
}

// NewService builds a quota Service over st.
func NewService(st store.Store) *Service {
	return &Service{st: st}
}

// Status is the non-mutating view of a bucket's usage.
type Status struct {
	Allowed bool
	Used    int
	Limit   int
	ResetAt time.Time
}

func nextMonthBoundary(now time.Time) time.Time {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return firstOfMonth.AddDate(0, 1, 0)
}

func defaultLimit(bucket string) int {
	if n, ok := model.DefaultBucketLimits[bucket]; ok {
		return n
	}
	return 0
}

// Check reports whether userID may deduct from bucket without mutating it.
func (s *Service) Check(ctx context.Context, userID, bucket string) (Status, error) {
	qb, err := s.st.GetOrInitQuotaBucket(ctx, userID, bucket, defaultLimit(bucket), nextMonthBoundary(time.Now().UTC()))
	if err != nil {
		return Status{}, eris.Wrapf(err, "quota: check %s/%s", userID, bucket)
	}
	return Status{Allowed: qb.Allowed(1), Used: qb.Used, Limit: qb.Limit, ResetAt: qb.ResetAt}, nil
}

// Deduct atomically increments bucket usage by n. It returns
// model.CodeQuotaExceeded via model.APIError when the cap would be exceeded.
func (s *Service) Deduct(ctx context.Context, userID, bucket string, n int) (Status, error) {
	if _, err := s.st.GetOrInitQuotaBucket(ctx, userID, bucket, defaultLimit(bucket), nextMonthBoundary(time.Now().UTC())); err != nil {
		return Status{}, eris.Wrapf(err, "quota: init %s/%s", userID, bucket)
	}
	qb, err := s.st.DeductQuota(ctx, userID, bucket, n)
	if err != nil {
		if ae, ok := model.AsAPIError(err); ok && qb != nil {
			return Status{Allowed: false, Used: qb.Used, Limit: qb.Limit, ResetAt: qb.ResetAt}, ae
		}
		return Status{}, eris.Wrapf(err, "quota: deduct %s/%s", userID, bucket)
	}
	return Status{Allowed: true, Used: qb.Used, Limit: qb.Limit, ResetAt: qb.ResetAt}, nil
}

// Refund gives back n units reserved for a generation that ultimately failed.
func (s *Service) Refund(ctx context.Context, userID, bucket string, n int) error {
	if n <= 0 {
		return nil
	}
	return eris.Wrapf(s.st.RefundQuota(ctx, userID, bucket, n), "quota: refund %s/%s", userID, bucket)
}

// ResetExpiredBefore zeroes every bucket whose reset-at has passed cutoff,
// rolling its reset-at forward by one month. Intended to be called by a
// periodic maintenance task, not on the request path.
func (s *Service) ResetExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.st.ResetQuotaBucketsBefore(ctx, cutoff)
	return n, eris.Wrap(err, "quota: reset expired buckets")
}
