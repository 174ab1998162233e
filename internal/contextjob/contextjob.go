// Package contextjob implements the claim-leased context extraction job
// queue (C7): one row per pdf-hash, picked up by a single worker at a
// time via a lease, retried with backoff on transient failure.
package contextjob

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/monitoring"
	"github.com/pdfreader/sticker-engine/internal/resilience"
	"github.com/pdfreader/sticker-engine/internal/store"
)

// DefaultLeaseDuration is the claim lease window, per spec.md §4.7.
const DefaultLeaseDuration = 5 * time.Minute

// Service implements C7 over store.Store.
type Service struct {
	st            store.Store
	leaseDuration time.Duration
	collector     *monitoring.Collector // optional; nil skips metrics recording
}

// New builds a Service. leaseDuration<=0 uses DefaultLeaseDuration.
func New(st store.Store, leaseDuration time.Duration) *Service {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &Service{st: st, leaseDuration: leaseDuration}
}

// WithCollector attaches a metrics collector used to record extraction job
// completions and terminal failures. Returns the receiver for chaining.
func (s *Service) WithCollector(collector *monitoring.Collector) *Service {
	s.collector = collector
	return s
}

// Enqueue creates a pending job for pdfHash with run-after=now, or returns
// the existing non-terminal job for that pdf-hash, per spec.md §4.7's
// uniqueness constraint among non-terminal jobs.
func (s *Service) Enqueue(ctx context.Context, pdfHash, fileID, userID string, totalPages int) (job *model.ContextJob, enqueued bool, err error) {
	j := model.ContextJob{
		PDFHash:    pdfHash,
		FileID:     fileID,
		UserID:     userID,
		State:      model.JobPending,
		TotalPages: totalPages,
		RunAfter:   time.Now().UTC(),
	}
	job, enqueued, err = s.st.EnqueueContextJob(ctx, j)
	if err != nil {
		return nil, false, eris.Wrap(err, "contextjob: enqueue")
	}
	return job, enqueued, nil
}

// Claim picks up the oldest eligible job, skipping rows already leased by
// a peer, per spec.md §4.7. Returns (nil, nil) when no job is eligible.
func (s *Service) Claim(ctx context.Context, workerID string) (*model.ContextJob, error) {
	job, err := s.st.ClaimNextContextJob(ctx, workerID, s.leaseDuration)
	if err != nil {
		return nil, eris.Wrap(err, "contextjob: claim")
	}
	return job, nil
}

// Checkpoint persists progress (processed pages/words, current batch)
// without changing job state, so a later retry resumes instead of
// reprocessing completed batches (spec.md §4.8 step 7 / failure note).
func (s *Service) Checkpoint(ctx context.Context, job model.ContextJob) error {
	return eris.Wrap(s.st.UpdateContextJob(ctx, job), "contextjob: checkpoint")
}

// Complete marks a job completed and clears its lease.
func (s *Service) Complete(ctx context.Context, job model.ContextJob) error {
	job.State = model.JobCompleted
	job.LeaseHolder = ""
	job.LeaseExpiresAt = nil
	if err := s.st.UpdateContextJob(ctx, job); err != nil {
		return eris.Wrap(err, "contextjob: complete")
	}
	if s.collector != nil {
		s.collector.RecordExtractionJobCompleted()
	}
	return nil
}

// ReportFailure applies the retry policy, per spec.md §4.7: a transient
// failure reschedules with run-after = now + backoff[retry-count] and
// clears the lease so another worker may claim it; after MaxJobRetries
// the job fails terminally.
func (s *Service) ReportFailure(ctx context.Context, job model.ContextJob, cause error) error {
	job.LastError = cause.Error()
	job.LeaseHolder = ""
	job.LeaseExpiresAt = nil

	if job.RetryCount >= model.MaxJobRetries {
		job.State = model.JobFailed
		if err := s.st.UpdateContextJob(ctx, job); err != nil {
			return eris.Wrap(err, "contextjob: fail terminally")
		}
		if s.collector != nil {
			s.collector.RecordExtractionJobFailed()
		}
		dlq := resilience.DLQEntry{
			ID:           job.ID,
			Job:          job,
			Error:        cause.Error(),
			ErrorType:    resilience.ClassifyError(cause),
			RetryCount:   job.RetryCount,
			MaxRetries:   model.MaxJobRetries,
			LastFailedAt: time.Now().UTC(),
		}
		zap.L().Error("context extraction: job dead-lettered",
			zap.String("jobId", dlq.ID),
			zap.String("pdfHash", job.PDFHash),
			zap.String("errorType", dlq.ErrorType),
			zap.Int("retryCount", dlq.RetryCount),
			zap.Error(cause),
		)
		return nil
	}

	backoff := model.RetryBackoff[len(model.RetryBackoff)-1]
	if job.RetryCount < len(model.RetryBackoff) {
		backoff = model.RetryBackoff[job.RetryCount]
	}
	job.RetryCount++
	job.State = model.JobPending
	job.RunAfter = time.Now().UTC().Add(backoff)
	return eris.Wrap(s.st.UpdateContextJob(ctx, job), "contextjob: schedule retry")
}

// GetByPDFHash returns the non-terminal job for pdfHash, if any.
func (s *Service) GetByPDFHash(ctx context.Context, pdfHash string) (*model.ContextJob, error) {
	job, err := s.st.GetContextJobByPDFHash(ctx, pdfHash)
	if err != nil {
		return nil, eris.Wrap(err, "contextjob: get by pdf hash")
	}
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ContextJob, error) {
	job, err := s.st.GetContextJob(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "contextjob: get")
	}
	return job, nil
}
