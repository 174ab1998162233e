// Package stickercache is the single source of truth for
// fingerprint → {ready stickers | in-flight generation | absent}, backed by
// store.Store's generation-record primitives.
package stickercache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/model"
	"github.com/pdfreader/sticker-engine/internal/quota"
	"github.com/pdfreader/sticker-engine/internal/store"
)

// SharePreferenceChecker reports whether a user allows their generations to
// be shared into the cross-user cache. It is an external boundary — user
// preference storage lives outside this engine — so callers inject it.
type SharePreferenceChecker interface {
	CheckUserSharePreference(ctx context.Context, userID string) (bool, error)
}

// AlwaysShare is the default SharePreferenceChecker: every user opts in.
type AlwaysShare struct{}

// CheckUserSharePreference always returns true.
func (AlwaysShare) CheckUserSharePreference(context.Context, string) (bool, error) {
	return true, nil
}

// ProbeState is the result of Probe: whether a fingerprint has a ready,
// generating, or absent cache entry.
type ProbeState string

const (
	ProbeReady      ProbeState = "ready"
	ProbeGenerating ProbeState = "generating"
	ProbeNotFound   ProbeState = "not-found"
)

// ProbeResult is the outcome of a cache lookup by fingerprint.
type ProbeResult struct {
	State           ProbeState
	GenerationID    string
	Stickers        []model.Sticker
	SelectedRegions []model.ImageRegion
}

// StartResult is the outcome of TryStart.
type StartResult struct {
	Started       bool
	AlreadyExists bool
	GenerationID  string
}

// StatusResult is the outcome of GetStatus.
type StatusResult struct {
	State            model.GenerationState
	Stickers         []model.Sticker
	Error            string
	GenerationTimeMS int64
}

// Service implements the shared sticker cache (C3).
type Service struct {
	st      store.Store
	quota   *quota.Service
	sharing SharePreferenceChecker
}

// New builds a Service over st, refunding quota via q on generation failure.
// If sharing is nil, AlwaysShare is used.
func New(st store.Store, q *quota.Service, sharing SharePreferenceChecker) *Service {
	if sharing == nil {
		sharing = AlwaysShare{}
	}
	return &Service{st: st, quota: q, sharing: sharing}
}

// CheckUserSharePreference reports whether user opts into the shared cache.
func (s *Service) CheckUserSharePreference(ctx context.Context, userID string) (bool, error) {
	return s.sharing.CheckUserSharePreference(ctx, userID)
}

// Probe looks up the cache entry for a fingerprint without mutating state.
func (s *Service) Probe(ctx context.Context, fp model.Fingerprint) (ProbeResult, error) {
	rec, err := s.st.GetGenerationByFingerprint(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ProbeResult{State: ProbeNotFound}, nil
		}
		return ProbeResult{}, eris.Wrap(err, "stickercache: probe")
	}
	if rec == nil {
		return ProbeResult{State: ProbeNotFound}, nil
	}

	switch rec.State {
	case model.GenerationReady:
		return ProbeResult{State: ProbeReady, GenerationID: rec.ID, Stickers: rec.Stickers, SelectedRegions: rec.Regions}, nil
	case model.GenerationGenerating:
		return ProbeResult{State: ProbeGenerating, GenerationID: rec.ID, SelectedRegions: rec.Regions}, nil
	default: // failed: treated as absent so a fresh attempt may claim it
		return ProbeResult{State: ProbeNotFound}, nil
	}
}

// TryStart attempts to claim the single in-flight generation slot for fp.
// Exactly one concurrent caller observes Started=true; all others observe
// AlreadyExists=true with the same GenerationID.
func (s *Service) TryStart(ctx context.Context, fp model.Fingerprint, userID string, quotaUnits, imagesCount int, regions []model.ImageRegion) (StartResult, error) {
	rec := model.GenerationRecord{
		ID:            uuid.New().String(),
		Fingerprint:   fp,
		State:         model.GenerationGenerating,
		ProducingUser: userID,
		QuotaUnits:    quotaUnits,
		ImagesCount:   imagesCount,
		Regions:       regions,
		StartedAt:     time.Now().UTC(),
	}

	existing, started, err := s.st.TryStartGeneration(ctx, rec)
	if err != nil {
		return StartResult{}, eris.Wrap(err, "stickercache: try start")
	}
	return StartResult{Started: started, AlreadyExists: !started, GenerationID: existing.ID}, nil
}

// GetStatus reports the terminal or in-progress state of a generation.
func (s *Service) GetStatus(ctx context.Context, generationID string) (StatusResult, error) {
	rec, err := s.getByID(ctx, generationID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		State:            rec.State,
		Stickers:         rec.Stickers,
		Error:            rec.ErrorMessage,
		GenerationTimeMS: rec.LatencyMS,
	}, nil
}

// Complete marks a generation ready and persists its stickers.
func (s *Service) Complete(ctx context.Context, generationID string, stickers []model.Sticker, latencyMS int64) error {
	return eris.Wrap(s.st.CompleteGeneration(ctx, generationID, stickers, latencyMS), "stickercache: complete")
}

// Fail marks a generation failed and refunds the quota reserved for it.
func (s *Service) Fail(ctx context.Context, generationID, reason string) error {
	rec, err := s.getByID(ctx, generationID)
	if err != nil {
		return err
	}
	if err := s.st.FailGeneration(ctx, generationID, reason); err != nil {
		return eris.Wrap(err, "stickercache: fail")
	}
	if rec.QuotaUnits > 0 {
		bucket := model.BucketAutoExplain
		if err := s.quota.Refund(ctx, rec.ProducingUser, bucket, rec.QuotaUnits); err != nil {
			return eris.Wrap(err, "stickercache: refund on fail")
		}
	}
	return nil
}

// RecordLatencySample records an observability sample for a completed lookup.
func (s *Service) RecordLatencySample(ctx context.Context, pdfHash string, page int, locale model.Locale, mode model.EffectiveMode, latencyMS int64, cacheHit bool) error {
	return eris.Wrap(s.st.RecordLatencySample(ctx, model.LatencySample{
		PDFHash:    pdfHash,
		Page:       page,
		Locale:     locale,
		Mode:       mode,
		LatencyMS:  latencyMS,
		CacheHit:   cacheHit,
		RecordedAt: time.Now().UTC(),
	}), "stickercache: record latency sample")
}

func (s *Service) getByID(ctx context.Context, generationID string) (*model.GenerationRecord, error) {
	// The store keys generation records by fingerprint; callers of GetStatus
	// and Fail hold the id returned from TryStart, so look it up the same
	// way the sqlite/postgres row scan does — by a direct id lookup exposed
	// through GetGenerationByFingerprint's sibling.
	rec, err := s.st.GetGenerationByID(ctx, generationID)
	if err != nil {
		return nil, eris.Wrap(err, "stickercache: lookup generation")
	}
	return rec, nil
}
