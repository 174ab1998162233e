package pdftext

import "github.com/rotisserie/eris"

// Fake is a deterministic in-memory Extractor for tests: it ignores the
// PDF bytes entirely and serves text from Pages, keyed by 1-indexed page
// number.
type Fake struct {
	Pages map[int]string
}

func (f Fake) PageCount(data []byte) (int, error) {
	max := 0
	for p := range f.Pages {
		if p > max {
			max = p
		}
	}
	return max, nil
}

func (f Fake) PageText(data []byte, page int) (string, error) {
	text, ok := f.Pages[page]
	if !ok {
		return "", eris.Errorf("pdftext: fake has no page %d", page)
	}
	return text, nil
}

func (f Fake) PagesText(data []byte, from, to int) ([]string, error) {
	out := make([]string, 0, to-from+1)
	for p := from; p <= to; p++ {
		text, err := f.PageText(data, p)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, nil
}
