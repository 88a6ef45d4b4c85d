package pdfkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// nUpValues are the grid sizes pdfcpu accepts for PDF n-up.
var nUpValues = []int{2, 3, 4, 6, 8, 9, 12, 16}

// MaxNUp is the largest number of pages that fit one merged sheet.
const MaxNUp = 16

// PageRef addresses page Page (0-based) of Sources[Source].
type PageRef struct {
	Source int
	Page   int
}

// Engine performs structural PDF edits with pdfcpu. Every method reads its
// inputs and writes a new output file; inputs are never modified.
type Engine struct {
	workDir string
}

// NewEngine returns an engine that keeps scratch files under workDir
// (os.TempDir when empty).
func NewEngine(workDir string) *Engine {
	return &Engine{workDir: workDir}
}

func (e *Engine) config(password string) *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if password != "" {
		conf.UserPW = password
		conf.OwnerPW = password
	}
	return conf
}

func (e *Engine) scratch(pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp(e.workDir, pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// PageCount returns the number of pages in path.
func (e *Engine) PageCount(path string) (int, error) {
	return api.PageCountFile(path)
}

// Validate checks that path parses as a PDF.
func (e *Engine) Validate(path, password string) error {
	return api.ValidateFile(path, e.config(password))
}

// Assemble writes out so that its pages are exactly seq, in order. A page
// referenced more than once is drawn from a fresh copy of its source so the
// output never shares page objects between positions.
func (e *Engine) Assemble(ctx context.Context, sources []string, seq []PageRef, out string) error {
	if len(sources) == 0 || len(seq) == 0 {
		return errors.New("assemble: nothing to write")
	}
	counts := make([]int, len(sources))
	for i, src := range sources {
		n, err := api.PageCountFile(src)
		if err != nil {
			return fmt.Errorf("count pages of source %d: %w", i, err)
		}
		counts[i] = n
	}

	type copyKey struct{ source, copy int }
	var (
		inputs    []string
		offsets   []int
		total     int
		inputOf   = make(map[copyKey]int)
		uses      = make(map[PageRef]int)
		selection = make([]string, 0, len(seq))
	)
	for _, ref := range seq {
		if ref.Source < 0 || ref.Source >= len(sources) {
			return fmt.Errorf("assemble: source %d out of range", ref.Source)
		}
		if ref.Page < 0 || ref.Page >= counts[ref.Source] {
			return fmt.Errorf("assemble: page %d out of range for source %d", ref.Page, ref.Source)
		}
		key := copyKey{source: ref.Source, copy: uses[ref]}
		uses[ref]++
		idx, ok := inputOf[key]
		if !ok {
			idx = len(inputs)
			inputOf[key] = idx
			inputs = append(inputs, sources[ref.Source])
			offsets = append(offsets, total)
			total += counts[ref.Source]
		}
		selection = append(selection, strconv.Itoa(offsets[idx]+ref.Page+1))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conf := e.config("")
	if len(inputs) == 1 {
		return api.CollectFile(inputs[0], out, selection, conf)
	}
	dir, cleanup, err := e.scratch("assemble-*")
	if err != nil {
		return err
	}
	defer cleanup()
	merged := filepath.Join(dir, "merged.pdf")
	if err := api.MergeCreateFile(inputs, merged, false, conf); err != nil {
		return fmt.Errorf("merge sources: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return api.CollectFile(merged, out, selection, e.config(""))
}

// Rotate adds degrees to the rotation of page (0-based).
func (e *Engine) Rotate(in, out string, page, degrees int) error {
	return e.RotatePages(in, out, []int{page}, degrees)
}

// RotatePages adds degrees to the rotation of every listed page (0-based).
func (e *Engine) RotatePages(in, out string, pages []int, degrees int) error {
	if len(pages) == 0 {
		return errors.New("rotate: no pages selected")
	}
	selection := make([]string, len(pages))
	for i, p := range pages {
		selection[i] = strconv.Itoa(p + 1)
	}
	return api.RotateFile(in, out, degrees, selection, e.config(""))
}

// Crop sets the crop box of page (0-based) to b.
func (e *Engine) Crop(in, out string, page int, b Box) error {
	box, err := api.Box(fmt.Sprintf("[%.2f %.2f %.2f %.2f]", b.LLX, b.LLY, b.URX, b.URY), types.POINTS)
	if err != nil {
		return fmt.Errorf("parse crop box: %w", err)
	}
	return api.CropFile(in, out, []string{strconv.Itoa(page + 1)}, box, e.config(""))
}

// GridSize returns the smallest supported n-up value that fits pages.
func GridSize(pages int) (int, bool) {
	for _, n := range nUpValues {
		if pages <= n {
			return n, true
		}
	}
	return 0, false
}

// NUp lays every page of in onto sheets of n cells. form is a pdfcpu paper
// size name such as "A4" or "A4L".
func (e *Engine) NUp(in, out string, n int, form string) error {
	if form == "" {
		form = "A4"
	}
	conf := e.config("")
	nup, err := api.PDFNUpConfig(n, fmt.Sprintf("formsize:%s, border:off", form), conf)
	if err != nil {
		return fmt.Errorf("n-up config: %w", err)
	}
	return api.NUpFile([]string{in}, out, nil, nup, conf)
}

// Resize scales every page of in onto the paper size form.
func (e *Engine) Resize(in, out, form string) error {
	resize, err := pdfcpu.ParseResizeConfig("formsize:"+form, types.POINTS)
	if err != nil {
		return fmt.Errorf("resize config: %w", err)
	}
	return api.ResizeFile(in, out, nil, resize, e.config(""))
}

// ImagesToPDF writes one page per image, centered on form.
func (e *Engine) ImagesToPDF(images []string, out, form string) error {
	if len(images) == 0 {
		return errors.New("no images")
	}
	if form == "" {
		form = "A4"
	}
	// ImportImagesFile appends when out already exists.
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	imp, err := api.Import(fmt.Sprintf("formsize:%s, position:c", form), types.POINTS)
	if err != nil {
		return fmt.Errorf("import config: %w", err)
	}
	return api.ImportImagesFile(images, out, imp, e.config(""))
}

// Optimize rewrites in without redundant objects. A non-empty password
// decrypts the input first.
func (e *Engine) Optimize(in, out, password string) error {
	if password == "" {
		return api.OptimizeFile(in, out, e.config(""))
	}
	dir, cleanup, err := e.scratch("decrypt-*")
	if err != nil {
		return err
	}
	defer cleanup()
	plain := filepath.Join(dir, "plain.pdf")
	if err := api.DecryptFile(in, plain, e.config(password)); err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	return api.OptimizeFile(plain, out, e.config(""))
}
