package pdfkit

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"docflow/pkg/domain"
)

// ExtractPageText returns the plain text of every page, in page order.
// Pages whose content cannot be decoded yield an empty string rather than
// failing the whole document.
func ExtractPageText(path string) (texts []string, err error) {
	f, r, err := pdf.Open(path)
	if f != nil {
		defer f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			texts = nil
			err = fmt.Errorf("%w: %v", domain.ErrCorruptInput, rec)
		}
	}()

	n := r.NumPage()
	texts = make([]string, 0, n)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := page.Font(name)
				fonts[name] = &font
			}
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			texts = append(texts, "")
			continue
		}
		texts = append(texts, strings.TrimSpace(text))
	}
	return texts, nil
}
