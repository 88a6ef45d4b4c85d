package pdfkit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// PageSpec describes one page produced by WriteDocument.
type PageSpec struct {
	Width  float64
	Height float64
	Rotate int
	// Lines are drawn top-down in Helvetica 12pt.
	Lines []string
}

// WriteBlank writes a PDF with one empty page per size (width, height pairs
// in points).
func WriteBlank(path string, sizes ...[2]float64) error {
	pages := make([]PageSpec, 0, len(sizes))
	for _, s := range sizes {
		pages = append(pages, PageSpec{Width: s[0], Height: s[1]})
	}
	return WriteFile(path, pages)
}

// WriteFile writes pages to path.
func WriteFile(path string, pages []PageSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteDocument(f, pages); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteDocument emits a minimal PDF 1.4 file: catalog, page tree, one shared
// WinAnsi Helvetica font, and a page plus content stream per PageSpec.
func WriteDocument(w io.Writer, pages []PageSpec) error {
	if len(pages) == 0 {
		return fmt.Errorf("at least one page required")
	}
	bw := bufio.NewWriter(w)
	var offset int
	var offsets []int
	put := func(s string) {
		n, _ := bw.WriteString(s)
		offset += n
	}
	object := func(body string) {
		offsets = append(offsets, offset)
		put(fmt.Sprintf("%d 0 obj\n%s\nendobj\n", len(offsets), body))
	}

	put("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	const firstPageObj = 4
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", firstPageObj+2*i)
	}
	object("<< /Type /Catalog /Pages 2 0 R >>")
	object(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	object("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for i, p := range pages {
		width, height := p.Width, p.Height
		if width <= 0 || height <= 0 {
			return fmt.Errorf("page %d: invalid size %.2fx%.2f", i, width, height)
		}
		rotate := ((p.Rotate % 360) + 360) % 360
		if rotate%90 != 0 {
			return fmt.Errorf("page %d: rotation must be a multiple of 90", i)
		}
		content := contentStream(p.Lines, height)
		object(fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %s %s] /Rotate %d /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			num(width), num(height), rotate, firstPageObj+2*i+1,
		))
		object(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xrefAt := offset
	put(fmt.Sprintf("xref\n0 %d\n", len(offsets)+1))
	put("0000000000 65535 f \n")
	for _, off := range offsets {
		put(fmt.Sprintf("%010d 00000 n \n", off))
	}
	put(fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefAt))
	return bw.Flush()
}

func contentStream(lines []string, height float64) string {
	if len(lines) == 0 {
		return ""
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "BT /F1 12 Tf 14 TL 72 %s Td", num(height-72))
	for i, line := range lines {
		if i > 0 {
			b.WriteString(" T*")
		}
		fmt.Fprintf(&b, " (%s) Tj", escapeText(line))
	}
	b.WriteString(" ET")
	return b.String()
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\r", " ", "\n", " ")
	return r.Replace(s)
}

func num(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
