package pdfkit

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/ledongthuc/pdf"

	"docflow/pkg/domain"
)

// Box is a page rectangle in default user space.
type Box struct {
	LLX, LLY, URX, URY float64
}

func (b Box) Width() float64  { return math.Abs(b.URX - b.LLX) }
func (b Box) Height() float64 { return math.Abs(b.URY - b.LLY) }

// PageInfo is the geometry of one page as stored in the file.
type PageInfo struct {
	Box      Box
	Rotation int
}

// Inspect reads per-page geometry. The visible box is CropBox when present,
// otherwise MediaBox; both may be inherited from the page tree.
func Inspect(path string) (infos []PageInfo, err error) {
	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return nil, statErr
	}
	f, r, err := pdf.Open(path)
	if f != nil {
		defer f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
	}
	// the reader panics on malformed object graphs
	defer func() {
		if rec := recover(); rec != nil {
			infos = nil
			err = fmt.Errorf("%w: %v", domain.ErrCorruptInput, rec)
		}
	}()

	n := r.NumPage()
	if n <= 0 {
		return nil, fmt.Errorf("%w: no pages", domain.ErrCorruptInput)
	}
	infos = make([]PageInfo, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			return nil, fmt.Errorf("%w: page %d missing from page tree", domain.ErrCorruptInput, i)
		}
		box, ok := readBox(inherited(page.V, "CropBox"))
		if !ok {
			box, ok = readBox(inherited(page.V, "MediaBox"))
		}
		if !ok {
			box = Box{URX: domain.PageLetter.Width, URY: domain.PageLetter.Height}
		}
		infos = append(infos, PageInfo{
			Box:      box,
			Rotation: normalizeRotation(int(inherited(page.V, "Rotate").Float64())),
		})
	}
	return infos, nil
}

// ReadPageMeta returns domain page metadata for every page in path.
func ReadPageMeta(path string) ([]domain.PageMeta, error) {
	infos, err := Inspect(path)
	if err != nil {
		return nil, err
	}
	pages := make([]domain.PageMeta, len(infos))
	for i, info := range infos {
		pages[i] = domain.PageMeta{
			Index:    i,
			Width:    round2(info.Box.Width()),
			Height:   round2(info.Box.Height()),
			Rotation: info.Rotation,
		}
	}
	return pages, nil
}

func inherited(v pdf.Value, key string) pdf.Value {
	for depth := 0; !v.IsNull() && depth < 64; depth++ {
		if r := v.Key(key); !r.IsNull() {
			return r
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

func readBox(v pdf.Value) (Box, bool) {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return Box{}, false
	}
	b := Box{
		LLX: v.Index(0).Float64(),
		LLY: v.Index(1).Float64(),
		URX: v.Index(2).Float64(),
		URY: v.Index(3).Float64(),
	}
	if b.LLX > b.URX {
		b.LLX, b.URX = b.URX, b.LLX
	}
	if b.LLY > b.URY {
		b.LLY, b.URY = b.URY, b.LLY
	}
	if b.Width() == 0 || b.Height() == 0 {
		return Box{}, false
	}
	return b, true
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
