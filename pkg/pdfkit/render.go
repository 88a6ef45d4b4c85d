package pdfkit

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/gen2brain/go-fitz"

	"docflow/pkg/domain"
)

const DefaultDPI = 96

// RenderPage rasterizes page (0-based) of path and encodes it to w as png or
// jpg. quality applies to jpg only.
func RenderPage(path string, page int, dpi float64, format string, quality int, w io.Writer) error {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format != "png" && format != "jpg" && format != "jpeg" {
		return fmt.Errorf("%w: image format %q", domain.ErrUnsupportedFormat, format)
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	doc, err := fitz.New(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}
	defer doc.Close()

	if page < 0 || page >= doc.NumPage() {
		return fmt.Errorf("%w: page %d of %d", domain.ErrInvalidIndex, page, doc.NumPage())
	}
	img, err := doc.ImageDPI(page, dpi)
	if err != nil {
		return fmt.Errorf("render page %d: %w", page, err)
	}
	if format == "png" {
		return png.Encode(w, img)
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
