package domain

import (
	"fmt"
	"strings"
)

// PageSize is measured in PDF points, portrait.
type PageSize struct {
	Name   string
	Width  float64
	Height float64
}

var (
	PageA4     = PageSize{Name: "A4", Width: 595.28, Height: 841.89}
	PageA3     = PageSize{Name: "A3", Width: 841.89, Height: 1190.55}
	PageLetter = PageSize{Name: "Letter", Width: 612, Height: 792}
)

// Landscape returns s with the longer side horizontal.
func (s PageSize) Landscape() PageSize {
	if s.Width >= s.Height {
		return s
	}
	return PageSize{Name: s.Name, Width: s.Height, Height: s.Width}
}

// LookupPageSize resolves a page size name. "auto" and "" report ok=false
// with no error: callers keep the source size.
func LookupPageSize(name string) (PageSize, bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "original":
		return PageSize{}, false, nil
	case "a4":
		return PageA4, true, nil
	case "a3":
		return PageA3, true, nil
	case "letter":
		return PageLetter, true, nil
	default:
		return PageSize{}, false, fmt.Errorf("%w: page size %q", ErrInvalidOperation, name)
	}
}

type Orientation string

const (
	OrientationKeep      Orientation = "keep-original"
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// ParseOrientation accepts portrait, landscape, or keep-original (default).
func ParseOrientation(v string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "auto", "keep", string(OrientationKeep):
		return OrientationKeep, nil
	case string(OrientationPortrait):
		return OrientationPortrait, nil
	case string(OrientationLandscape):
		return OrientationLandscape, nil
	default:
		return "", fmt.Errorf("%w: orientation %q", ErrInvalidOperation, v)
	}
}

// DisplaySize returns the page size as seen after applying its rotation.
func (p PageMeta) DisplaySize() (float64, float64) {
	if p.Rotation%180 != 0 {
		return p.Height, p.Width
	}
	return p.Width, p.Height
}
