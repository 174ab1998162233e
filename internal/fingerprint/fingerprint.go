// Package fingerprint canonicalizes sticker selections and estimates text
// size, grounding C1 of the sticker engine: deterministic hashing of
// region selections, CJK-aware word/token estimation, and language
// detection used to route AI prompts and translation penalties.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/model"
)

// rectRoundPlaces is the decimal precision rects are rounded to before
// hashing, per spec.md §3/§4.1.
const rectRoundPlaces = 4

// Region is one (page, rect) pair contributing to a selection hash.
type Region struct {
	Page int
	Rect model.Rect
}

func round4(f float64) float64 {
	scale := math.Pow10(rectRoundPlaces)
	return math.Round(f*scale) / scale
}

// ValidRect reports whether r is a usable anchor rectangle, per
// spec.md §4.1 valid-rect.
func ValidRect(r model.Rect) bool {
	return r.Valid()
}

// CanonicalSelectionHash computes the deterministic SHA-256 digest for a
// set of selected regions, per spec.md §3/§4.1. Regions are rounded to 4
// decimals, then sorted by (page, x, y, w, h) before hashing, so region
// order and excess precision never change the result. rootPage, mode and
// locale are folded into the hash so two requests that differ only in
// those fields never collide.
func CanonicalSelectionHash(rootPage int, mode model.EffectiveMode, locale model.Locale, regions []Region) (string, error) {
	if len(regions) == 0 {
		return "", eris.New("fingerprint: empty region list not permitted")
	}

	rounded := make([]Region, len(regions))
	for i, r := range regions {
		rounded[i] = Region{
			Page: r.Page,
			Rect: model.Rect{
				X: round4(r.Rect.X),
				Y: round4(r.Rect.Y),
				W: round4(r.Rect.W),
				H: round4(r.Rect.H),
			},
		}
	}

	sort.Slice(rounded, func(i, j int) bool {
		a, b := rounded[i], rounded[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Rect.X != b.Rect.X {
			return a.Rect.X < b.Rect.X
		}
		if a.Rect.Y != b.Rect.Y {
			return a.Rect.Y < b.Rect.Y
		}
		if a.Rect.W != b.Rect.W {
			return a.Rect.W < b.Rect.W
		}
		return a.Rect.H < b.Rect.H
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "root=%d|mode=%s|locale=%s", rootPage, mode, locale)
	for _, r := range rounded {
		fmt.Fprintf(&sb, "|%d:%.4f,%.4f,%.4f,%.4f", r.Page, r.Rect.X, r.Rect.Y, r.Rect.W, r.Rect.H)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// isCJK reports whether r belongs to one of the CJK-adjacent scripts.
// Word/token estimation treats these codepoints as individually
// meaningful instead of splitting on whitespace.
func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// EstimateWordCount counts whitespace-delimited tokens after stripping
// CJK codepoints, then adds one word per CJK codepoint, per spec.md §4.1.
func EstimateWordCount(text string) int {
	var nonCJK strings.Builder
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
			nonCJK.WriteRune(' ')
			continue
		}
		nonCJK.WriteRune(r)
	}
	words := strings.Fields(nonCJK.String())
	return len(words) + cjkCount
}

// EstimateTokenCount approximates the AI token count of text: 1.3x the
// non-CJK word count plus 1.5x the CJK codepoint count, each ceil'd
// independently, per spec.md §4.1.
func EstimateTokenCount(text string) int {
	var nonCJK strings.Builder
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
			continue
		}
		nonCJK.WriteRune(r)
	}
	nonCJKWords := len(strings.Fields(nonCJK.String()))
	return int(math.Ceil(float64(nonCJKWords)*1.3)) + int(math.Ceil(float64(cjkCount)*1.5))
}

// DetectLanguage classifies text as "en" or "non-en": non-en iff the CJK
// fraction of non-whitespace characters exceeds 0.3, per spec.md §4.1.
func DetectLanguage(text string) string {
	var nonWhitespace, cjk int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		nonWhitespace++
		if isCJK(r) {
			cjk++
		}
	}
	if nonWhitespace == 0 {
		return "en"
	}
	if float64(cjk)/float64(nonWhitespace) > 0.3 {
		return "non-en"
	}
	return "en"
}

// NormalizeTitle lowercases, trims, and collapses internal whitespace
// runs, per spec.md §4.1. Used as the per-pdf-hash dedup key for context
// entries.
func NormalizeTitle(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(lower), " ")
}
