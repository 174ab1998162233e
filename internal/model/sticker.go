package model

import "time"

// StickerKind distinguishes AI-generated explanations from user-authored ones.
type StickerKind string

const (
	StickerKindAuto   StickerKind = "auto"
	StickerKindManual StickerKind = "manual"
)

// Rect is a normalized anchor rectangle; coordinates are fractions of the
// page in [0,1]. The zero value is not a valid rect — use a *Rect to mark
// absence.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// rectTolerance is the slack applied to the 0<=x, x+w<=1 boundary checks,
// per spec.md §3 (Sticker invariant) and §4.1 (valid-rect).
const rectTolerance = 1e-4

// Valid reports whether r satisfies 0<=x, 0<=y, w>0, h>0, x+w<=1+eps, y+h<=1+eps.
func (r Rect) Valid() bool {
	if r.X < 0 || r.Y < 0 || r.W <= 0 || r.H <= 0 {
		return false
	}
	if r.X+r.W > 1+rectTolerance {
		return false
	}
	if r.Y+r.H > 1+rectTolerance {
		return false
	}
	return true
}

// ImageRegion is a user-selected crop, anchored to a specific page.
type ImageRegion struct {
	Page int  `json:"page"`
	Rect Rect `json:"rect"`
}

// Anchor is where an explanation is pinned on the page.
type Anchor struct {
	TextSnippet string        `json:"textSnippet"`
	Rect        *Rect         `json:"rect,omitempty"`
	IsFullPage  bool          `json:"isFullPage,omitempty"`
	Anchors     []MixedAnchor `json:"anchors,omitempty"`
}

// MixedAnchor is one element of a multi-region anchor list: either a text
// snippet or an image crop, per spec.md §6.
type MixedAnchor struct {
	ID          string `json:"id"` // "{page}-{x}-{y}-{w}-{h}" at 4-decimal rounding for image anchors
	Type        string `json:"type"` // "text" | "image"
	TextSnippet string `json:"textSnippet,omitempty"`
	Page        int    `json:"page,omitempty"`
	Rect        *Rect  `json:"rect,omitempty"`
}

// Sticker is a single anchored explanation.
type Sticker struct {
	ID             string      `json:"id"`
	OwnerUserID    string      `json:"-"`
	CourseID       string      `json:"-"`
	FileID         string      `json:"-"`
	Page           int         `json:"page"`
	Kind           StickerKind `json:"type"`
	Anchor         Anchor      `json:"anchor"`
	ParentID       *string     `json:"parentId"`
	ContentMarkdown string     `json:"contentMarkdown"`
	Folded         bool        `json:"folded"`
	Depth          int         `json:"depth"`
	CreatedAt      time.Time   `json:"createdAt"`
}
