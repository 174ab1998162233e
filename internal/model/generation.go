package model

import "time"

// GenerationState is the lifecycle state of a Generation Record.
// Transitions are strictly monotone: generating -> ready | failed.
type GenerationState string

const (
	GenerationGenerating GenerationState = "generating"
	GenerationReady      GenerationState = "ready"
	GenerationFailed     GenerationState = "failed"
)

// GenerationRecord is the persisted coordination object for one in-flight
// or completed generation of a fingerprint. See spec.md §3.
type GenerationRecord struct {
	ID            string
	Fingerprint   Fingerprint
	State         GenerationState
	ProducingUser string
	QuotaUnits    int
	ImagesCount   int
	Regions       []ImageRegion
	StartedAt     time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
	Stickers      []Sticker // populated once State == GenerationReady
	LatencyMS     int64
}

// LatencySample is a single observation recorded by record-latency-sample.
type LatencySample struct {
	PDFHash    string
	Page       int
	Locale     Locale
	Mode       EffectiveMode
	LatencyMS  int64
	CacheHit   bool
	RecordedAt time.Time
}
