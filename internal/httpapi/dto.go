package httpapi

import "github.com/pdfreader/sticker-engine/internal/model"

// explainPageRequest is the JSON body for POST explain-page. Multipart
// submissions decode the same fields from form values; Regions arrives as
// a JSON-encoded form field in that case.
type explainPageRequest struct {
	FileID     string              `json:"fileId" validate:"required"`
	CourseID   string              `json:"courseId"`
	Page       int                 `json:"page" validate:"required,gte=1"`
	TotalPages int                 `json:"totalPages"`
	PDFType    string              `json:"pdfType"`
	Locale     string              `json:"locale"`
	Mode       string              `json:"mode" validate:"omitempty,oneof=single window"`
	Question   string              `json:"question"`
	Regions    []model.ImageRegion `json:"regions" validate:"omitempty,dive"`
	LastPage   int                 `json:"lastPage" validate:"omitempty,gtefield=Page"`
}

type readyResponse struct {
	OK       bool            `json:"ok"`
	State    string          `json:"state"`
	Stickers []model.Sticker `json:"stickers"`
}

type acceptedResponse struct {
	OK           bool   `json:"ok"`
	State        string `json:"state"`
	GenerationID string `json:"generationId"`
}

type windowAcceptedResponse struct {
	OK          bool         `json:"ok"`
	SessionID   string       `json:"sessionId"`
	WindowStart int          `json:"windowStart"`
	WindowEnd   int          `json:"windowEnd"`
	PDFType     model.PDFType `json:"pdfType"`
}

type statusResponse struct {
	OK               bool            `json:"ok"`
	State            model.GenerationState `json:"state"`
	Stickers         []model.Sticker `json:"stickers,omitempty"`
	Error            string          `json:"error,omitempty"`
	GenerationTimeMS int64           `json:"generationTimeMs,omitempty"`
}

type sessionResponse struct {
	OK          bool               `json:"ok"`
	ID          string             `json:"id"`
	State       model.SessionState `json:"state"`
	WindowStart int                `json:"windowStart"`
	WindowEnd   int                `json:"windowEnd"`
	CurrentPage int                `json:"currentPage"`
	Completed   []int              `json:"pagesCompleted"`
	InProgress  []int              `json:"pagesInProgress"`
	Failed      []int              `json:"pagesFailed"`
}

type sessionUpdateRequest struct {
	CurrentPage int    `json:"currentPage" validate:"required,gte=1"`
	Action      string `json:"action" validate:"omitempty,oneof=extend jump cancel"`
	LastPage    int    `json:"lastPage"`
}

type sessionUpdateResponse struct {
	OK            bool  `json:"ok"`
	WindowStart   int   `json:"windowStart"`
	WindowEnd     int   `json:"windowEnd"`
	CanceledPages []int `json:"canceledPages,omitempty"`
	NewPages      []int `json:"newPages,omitempty"`
}

type stickerRefreshRequest struct {
	ContentMarkdown string `json:"contentMarkdown" validate:"required"`
}

type stickerResponse struct {
	OK      bool          `json:"ok"`
	Sticker model.Sticker `json:"sticker"`
}

type versionListResponse struct {
	OK             bool            `json:"ok"`
	ActiveVersion  string          `json:"activeVersionId"`
	Versions       []model.Sticker `json:"versions"`
}

type versionSwitchRequest struct {
	VersionID string `json:"versionId" validate:"required"`
}

func mapKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func toSessionResponse(sess *model.WindowSession) sessionResponse {
	return sessionResponse{
		OK:          true,
		ID:          sess.ID,
		State:       sess.State,
		WindowStart: sess.WindowStart,
		WindowEnd:   sess.WindowEnd,
		CurrentPage: sess.CurrentPage,
		Completed:   mapKeys(sess.PagesCompleted),
		InProgress:  mapKeys(sess.PagesInProgress),
		Failed:      mapKeys(sess.PagesFailed),
	}
}
