package media

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFText implements PDFExtractor with ledongthuc/pdf (pure Go, no
// CGO). Unreadable pages are skipped rather than failing the document.
type PDFText struct{}

// NewPDFText creates the extractor.
func NewPDFText() *PDFText {
	return &PDFText{}
}

// Extract implements PDFExtractor.
func (e *PDFText) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty pdf content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil || pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("no extractable text")
	}
	return text.String(), nil
}
