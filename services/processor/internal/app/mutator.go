package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
)

// Axis selects how Split cuts a page.
type Axis string

const (
	AxisVertical   Axis = "vertical"
	AxisHorizontal Axis = "horizontal"
)

// SourcePage names a page of another (or the same) document to insert.
type SourcePage struct {
	DocumentID string `json:"documentId"`
	Index      int    `json:"index"`
}

// PageMap maps a page index of the previous revision to its index in the
// new one. It reports false for a page that no longer exists on its own.
type PageMap func(old int) (int, bool)

// Apply maps old; a nil map keeps every page where it was.
func (pm PageMap) Apply(old int) (int, bool) {
	if pm == nil {
		return old, true
	}
	return pm(old)
}

// CommitFunc observes a committed revision. It runs under the document lock,
// before any other edit of the same document.
type CommitFunc func(ctx context.Context, doc domain.Document, pages PageMap)

// mutation is one structural edit: validate runs against the current pages,
// must not touch disk and returns where the old pages end up; apply writes
// the new revision to out.
type mutation struct {
	op       string
	validate func(pages []domain.PageMeta) (PageMap, error)
	apply    func(ctx context.Context, doc domain.Document, out string) error
}

// PageMutator applies structural page edits. Every edit writes a new file
// and then repoints the document; the previous file is never modified.
type PageMutator struct {
	docs     *DocumentStore
	engine   *pdfkit.Engine
	onCommit CommitFunc
}

func NewPageMutator(docs *DocumentStore, engine *pdfkit.Engine, onCommit CommitFunc) *PageMutator {
	if onCommit == nil {
		onCommit = func(context.Context, domain.Document, PageMap) {}
	}
	return &PageMutator{docs: docs, engine: engine, onCommit: onCommit}
}

func (m *PageMutator) run(ctx context.Context, id string, mu mutation) (domain.Document, error) {
	unlock := m.docs.lock(id)
	defer unlock()

	doc, err := m.docs.loadPagesLocked(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	pageMap, err := mu.validate(doc.Pages)
	if err != nil {
		return domain.Document{}, err
	}
	if mu.apply == nil {
		return doc, nil
	}

	out := m.docs.newRevisionPath(id)
	logger := slog.With("document_id", id, "op", mu.op)
	if err := mu.apply(ctx, doc, out); err != nil {
		_ = os.Remove(out)
		logger.Warn("page mutation failed", "err", err)
		return domain.Document{}, domain.OperationFailed(mu.op, err)
	}
	pages, err := pdfkit.ReadPageMeta(out)
	if err != nil {
		_ = os.Remove(out)
		return domain.Document{}, domain.OperationFailed(mu.op, err)
	}
	sum, err := checksumFile(out)
	if err != nil {
		_ = os.Remove(out)
		return domain.Document{}, domain.OperationFailed(mu.op, err)
	}
	info, err := os.Stat(out)
	if err != nil {
		_ = os.Remove(out)
		return domain.Document{}, domain.OperationFailed(mu.op, err)
	}

	prev := doc.Path
	doc.Path = out
	doc.Pages = pages
	doc.PageCount = len(pages)
	doc.Checksum = sum
	doc.SizeBytes = info.Size()
	doc.Revision++
	if err := m.docs.commitLocked(ctx, doc); err != nil {
		_ = os.Remove(out)
		return domain.Document{}, err
	}
	m.docs.retire(prev)
	m.onCommit(context.WithoutCancel(ctx), doc.Clone(), pageMap)
	logger.Info("page mutation committed", "revision", doc.Revision, "pages", doc.PageCount)
	return doc, nil
}

// Insert adds a page at index (0 <= index <= page count). A nil src inserts a
// blank page sized like its neighbour.
func (m *PageMutator) Insert(ctx context.Context, id string, index int, src *SourcePage) (domain.Document, error) {
	var (
		sourcePath string
		sourcePage int
	)
	if src != nil && src.DocumentID != id {
		other, release, err := m.docs.Open(ctx, src.DocumentID)
		if err != nil {
			return domain.Document{}, err
		}
		defer release()
		n, err := m.engine.PageCount(other.Path)
		if err != nil {
			return domain.Document{}, fmt.Errorf("%w: %v", domain.ErrCorruptInput, err)
		}
		if src.Index < 0 || src.Index >= n {
			return domain.Document{}, fmt.Errorf("%w: source page %d of %d", domain.ErrInvalidIndex, src.Index, n)
		}
		sourcePath, sourcePage = other.Path, src.Index
	}

	var pageCount int
	var blankSize [2]float64
	return m.run(ctx, id, mutation{
		op: "insert",
		validate: func(pages []domain.PageMeta) (PageMap, error) {
			pageCount = len(pages)
			if index < 0 || index > pageCount {
				return nil, fmt.Errorf("%w: insert at %d with %d pages", domain.ErrInvalidIndex, index, pageCount)
			}
			if src != nil && src.DocumentID == id && (src.Index < 0 || src.Index >= pageCount) {
				return nil, fmt.Errorf("%w: source page %d of %d", domain.ErrInvalidIndex, src.Index, pageCount)
			}
			blankSize = neighbourSize(pages, index)
			return func(old int) (int, bool) {
				if old >= index {
					return old + 1, true
				}
				return old, true
			}, nil
		},
		apply: func(ctx context.Context, doc domain.Document, out string) error {
			sources := []string{doc.Path}
			insert := pdfkit.PageRef{Source: 0, Page: sourcePage}
			switch {
			case src == nil:
				blank, cleanup, err := scratchFile(m.docs.Dir(), "blank-*.pdf")
				if err != nil {
					return err
				}
				defer cleanup()
				if err := pdfkit.WriteBlank(blank, blankSize); err != nil {
					return err
				}
				sources = append(sources, blank)
				insert = pdfkit.PageRef{Source: 1, Page: 0}
			case src.DocumentID == id:
				insert.Page = src.Index
			default:
				sources = append(sources, sourcePath)
				insert.Source = 1
			}
			seq := make([]pdfkit.PageRef, 0, pageCount+1)
			for i := 0; i < pageCount; i++ {
				if i == index {
					seq = append(seq, insert)
				}
				seq = append(seq, pdfkit.PageRef{Source: 0, Page: i})
			}
			if index == pageCount {
				seq = append(seq, insert)
			}
			return m.engine.Assemble(ctx, sources, seq, out)
		},
	})
}

// Delete removes the page at index. The last remaining page cannot be deleted.
func (m *PageMutator) Delete(ctx context.Context, id string, index int) (domain.Document, error) {
	var pageCount int
	return m.run(ctx, id, mutation{
		op: "delete",
		validate: func(pages []domain.PageMeta) (PageMap, error) {
			pageCount = len(pages)
			if index < 0 || index >= pageCount {
				return nil, fmt.Errorf("%w: delete %d of %d pages", domain.ErrInvalidIndex, index, pageCount)
			}
			if pageCount == 1 {
				return nil, fmt.Errorf("%w: cannot delete the only page", domain.ErrInvalidOperation)
			}
			return func(old int) (int, bool) {
				switch {
				case old == index:
					return 0, false
				case old > index:
					return old - 1, true
				}
				return old, true
			}, nil
		},
		apply: func(ctx context.Context, doc domain.Document, out string) error {
			seq := make([]pdfkit.PageRef, 0, pageCount-1)
			for i := 0; i < pageCount; i++ {
				if i != index {
					seq = append(seq, pdfkit.PageRef{Page: i})
				}
			}
			return m.engine.Assemble(ctx, []string{doc.Path}, seq, out)
		},
	})
}

// Move places the page at from so that it ends up at position to. Moving a
// page onto itself succeeds without writing a new revision.
func (m *PageMutator) Move(ctx context.Context, id string, from, to int) (domain.Document, error) {
	var order []int
	mu := mutation{
		op: "move",
		validate: func(pages []domain.PageMeta) (PageMap, error) {
			n := len(pages)
			if from < 0 || from >= n || to < 0 || to >= n {
				return nil, fmt.Errorf("%w: move %d -> %d with %d pages", domain.ErrInvalidIndex, from, to, n)
			}
			order = make([]int, 0, n)
			for i := 0; i < n; i++ {
				if i != from {
					order = append(order, i)
				}
			}
			order = slices.Insert(order, to, from)
			pos := make([]int, n)
			for at, old := range order {
				pos[old] = at
			}
			return func(old int) (int, bool) {
				if old < 0 || old >= len(pos) {
					return 0, false
				}
				return pos[old], true
			}, nil
		},
	}
	if from != to {
		mu.apply = func(ctx context.Context, doc domain.Document, out string) error {
			seq := make([]pdfkit.PageRef, len(order))
			for i, p := range order {
				seq[i] = pdfkit.PageRef{Page: p}
			}
			return m.engine.Assemble(ctx, []string{doc.Path}, seq, out)
		}
	}
	return m.run(ctx, id, mu)
}

// Rotate turns the page at index by degrees (90, 180 or 270) on top of its
// current rotation.
func (m *PageMutator) Rotate(ctx context.Context, id string, index, degrees int) (domain.Document, error) {
	return m.run(ctx, id, mutation{
		op: "rotate",
		validate: func(pages []domain.PageMeta) (PageMap, error) {
			if index < 0 || index >= len(pages) {
				return nil, fmt.Errorf("%w: rotate %d of %d pages", domain.ErrInvalidIndex, index, len(pages))
			}
			if degrees != 90 && degrees != 180 && degrees != 270 {
				return nil, fmt.Errorf("%w: rotation must be 90, 180 or 270, got %d", domain.ErrInvalidOperation, degrees)
			}
			return nil, nil
		},
		apply: func(_ context.Context, doc domain.Document, out string) error {
			return m.engine.Rotate(doc.Path, out, index, degrees)
		},
	})
}

// Merge lays the pages at indices onto one grid page that replaces them at
// the position of the lowest index. Cells are filled in the order given.
func (m *PageMutator) Merge(ctx context.Context, id string, indices []int) (domain.Document, error) {
	var (
		pageCount int
		grid      int
		form      string
	)
	return m.run(ctx, id, mutation{
		op: "merge",
		validate: func(pages []domain.PageMeta) (PageMap, error) {
			pageCount = len(pages)
			if len(indices) < 2 {
				return nil, fmt.Errorf("%w: merge needs at least 2 pages", domain.ErrInvalidOperation)
			}
			n, ok := pdfkit.GridSize(len(indices))
			if !ok {
				return nil, fmt.Errorf("%w: merge supports at most %d pages", domain.ErrInvalidOperation, pdfkit.MaxNUp)
			}
			seen := make(map[int]bool, len(indices))
			for _, i := range indices {
				if i < 0 || i >= pageCount {
					return nil, fmt.Errorf("%w: merge page %d of %d", domain.ErrInvalidIndex, i, pageCount)
				}
				if seen[i] {
					return nil, fmt.Errorf("%w: page %d listed twice", domain.ErrInvalidOperation, i)
				}
				seen[i] = true
			}
			grid = n
			form = "A4"
			if w, h := pages[indices[0]].DisplaySize(); w > h {
				form = "A4L"
			}
			// Merged pages become part of the sheet; the rest close up.
			lowest := slices.Min(indices)
			next := make(map[int]int, pageCount)
			at := 0
			for i := 0; i < pageCount; i++ {
				switch {
				case i == lowest:
					at++
				case seen[i]:
				default:
					next[i] = at
					at++
				}
			}
			return func(old int) (int, bool) {
				at, ok := next[old]
				return at, ok
			}, nil
		},
		apply: func(ctx context.Context, doc domain.Document, out string) error {
			dir, cleanup, err := scratchDir(m.docs.Dir(), "merge-*")
			if err != nil {
				return err
			}
			defer cleanup()

			picked := make([]pdfkit.PageRef, len(indices))
			for i, p := range indices {
				picked[i] = pdfkit.PageRef{Page: p}
			}
			picks := filepath.Join(dir, "picks.pdf")
			if err := m.engine.Assemble(ctx, []string{doc.Path}, picked, picks); err != nil {
				return err
			}
			sheet := filepath.Join(dir, "sheet.pdf")
			if err := m.engine.NUp(picks, sheet, grid, form); err != nil {
				return err
			}
			lowest := slices.Min(indices)
			seq := make([]pdfkit.PageRef, 0, pageCount-len(indices)+1)
			for i := 0; i < pageCount; i++ {
				switch {
				case i == lowest:
					seq = append(seq, pdfkit.PageRef{Source: 1, Page: 0})
				case slices.Contains(indices, i):
				default:
					seq = append(seq, pdfkit.PageRef{Source: 0, Page: i})
				}
			}
			return m.engine.Assemble(ctx, []string{doc.Path, sheet}, seq, out)
		},
	})
}

// Split replaces the page at index with its two halves. Vertical yields the
// left half then the right; horizontal yields the top half then the bottom.
func (m *PageMutator) Split(ctx context.Context, id string, index int, axis Axis) (domain.Document, error) {
	var pageCount int
	return m.run(ctx, id, mutation{
		op: "split",
		validate: func(pages []domain.PageMeta) (PageMap, error) {
			pageCount = len(pages)
			if index < 0 || index >= pageCount {
				return nil, fmt.Errorf("%w: split %d of %d pages", domain.ErrInvalidIndex, index, pageCount)
			}
			if axis != AxisVertical && axis != AxisHorizontal {
				return nil, fmt.Errorf("%w: split axis %q", domain.ErrInvalidOperation, axis)
			}
			return func(old int) (int, bool) {
				switch {
				case old == index:
					return 0, false
				case old > index:
					return old + 1, true
				}
				return old, true
			}, nil
		},
		apply: func(ctx context.Context, doc domain.Document, out string) error {
			infos, err := pdfkit.Inspect(doc.Path)
			if err != nil {
				return err
			}
			first, second := splitBox(infos[index].Box, axis)

			dir, cleanup, err := scratchDir(m.docs.Dir(), "split-*")
			if err != nil {
				return err
			}
			defer cleanup()
			seq := make([]pdfkit.PageRef, 0, pageCount+1)
			for i := 0; i < pageCount; i++ {
				seq = append(seq, pdfkit.PageRef{Page: i})
				if i == index {
					seq = append(seq, pdfkit.PageRef{Page: i})
				}
			}
			doubled := filepath.Join(dir, "doubled.pdf")
			if err := m.engine.Assemble(ctx, []string{doc.Path}, seq, doubled); err != nil {
				return err
			}
			half := filepath.Join(dir, "half.pdf")
			if err := m.engine.Crop(doubled, half, index, first); err != nil {
				return err
			}
			return m.engine.Crop(half, out, index+1, second)
		},
	})
}

// splitBox cuts b in two along axis, in unrotated page space.
func splitBox(b pdfkit.Box, axis Axis) (pdfkit.Box, pdfkit.Box) {
	llx, urx := math.Min(b.LLX, b.URX), math.Max(b.LLX, b.URX)
	lly, ury := math.Min(b.LLY, b.URY), math.Max(b.LLY, b.URY)
	if axis == AxisVertical {
		mid := llx + (urx-llx)/2
		return pdfkit.Box{LLX: llx, LLY: lly, URX: mid, URY: ury},
			pdfkit.Box{LLX: mid, LLY: lly, URX: urx, URY: ury}
	}
	mid := lly + (ury-lly)/2
	return pdfkit.Box{LLX: llx, LLY: mid, URX: urx, URY: ury},
		pdfkit.Box{LLX: llx, LLY: lly, URX: urx, URY: mid}
}

// neighbourSize picks the displayed size of the page a blank insert lands
// next to, or A4 for an empty document.
func neighbourSize(pages []domain.PageMeta, index int) [2]float64 {
	if len(pages) == 0 {
		return [2]float64{domain.PageA4.Width, domain.PageA4.Height}
	}
	ref := pages[min(max(index-1, 0), len(pages)-1)]
	w, h := ref.DisplaySize()
	return [2]float64{w, h}
}

func scratchDir(base, pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func scratchFile(base, pattern string) (string, func(), error) {
	f, err := os.CreateTemp(base, pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create scratch file: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return name, func() { _ = os.Remove(name) }, nil
}
