package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
	"docflow/pkg/storage"
	"docflow/pkg/store"
)

const mergeQueueKey = "default"

type queueState struct {
	Entries []domain.MergeQueueEntry `json:"entries"`
}

func (s queueState) clone() queueState {
	return queueState{Entries: slices.Clone(s.Entries)}
}

// MergeQueueConfig wires the merge queue.
type MergeQueueConfig struct {
	Records       store.Records[queueState]
	Documents     *DocumentStore
	Engine        *pdfkit.Engine
	Objects       storage.ObjectStore
	OutputDir     string
	PresignExpiry time.Duration
}

// MergeQueue is the ordered list of pages to combine into one output. The
// queue order is the output page order.
type MergeQueue struct {
	records       store.Records[queueState]
	docs          *DocumentStore
	engine        *pdfkit.Engine
	objects       storage.ObjectStore
	outputDir     string
	presignExpiry time.Duration

	mu    sync.Mutex
	state queueState
}

func NewMergeQueue(ctx context.Context, cfg MergeQueueConfig) (*MergeQueue, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	state, _, err := cfg.Records.Get(ctx, mergeQueueKey)
	if err != nil {
		return nil, fmt.Errorf("load merge queue: %w", err)
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &MergeQueue{
		records:       cfg.Records,
		docs:          cfg.Documents,
		engine:        cfg.Engine,
		objects:       cfg.Objects,
		outputDir:     cfg.OutputDir,
		presignExpiry: expiry,
		state:         state,
	}, nil
}

// mutate applies fn to a copy of the state and keeps it only if it persists.
func (q *MergeQueue) mutate(ctx context.Context, fn func(*queueState) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := q.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := q.records.Put(ctx, mergeQueueKey, next); err != nil {
		return fmt.Errorf("save merge queue: %w", err)
	}
	q.state = next
	return nil
}

// Entries returns the queue in output order.
func (q *MergeQueue) Entries() []domain.MergeQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.state.Entries)
}

func thumbnailURL(documentID string, index int) string {
	return fmt.Sprintf("/documents/%s/pages/%d/thumbnail", documentID, index)
}

func newEntry(doc domain.Document, index int) domain.MergeQueueEntry {
	p := doc.Pages[index]
	return domain.MergeQueueEntry{
		ID:                 newJobID(),
		DocumentID:         doc.ID,
		PageIndex:          index,
		Revision:           doc.Revision,
		SourceDocumentName: doc.Name,
		Thumbnail:          thumbnailURL(doc.ID, index),
		Width:              p.Width,
		Height:             p.Height,
		Rotation:           p.Rotation,
		AddedAt:            time.Now().UTC(),
	}
}

// SelectPage appends one page (0-based index) to the queue.
func (q *MergeQueue) SelectPage(ctx context.Context, documentID string, index int) (domain.MergeQueueEntry, error) {
	var entry domain.MergeQueueEntry
	err := q.docs.View(ctx, documentID, func(doc domain.Document) error {
		if index < 0 || index >= doc.PageCount {
			return fmt.Errorf("%w: page %d of %d", domain.ErrInvalidIndex, index, doc.PageCount)
		}
		entry = newEntry(doc, index)
		return q.mutate(ctx, func(s *queueState) error {
			s.Entries = append(s.Entries, entry)
			return nil
		})
	})
	if err != nil {
		return domain.MergeQueueEntry{}, err
	}
	return entry, nil
}

// SelectRange appends pages start..end, 1-based and inclusive.
func (q *MergeQueue) SelectRange(ctx context.Context, documentID string, start, end int) ([]domain.MergeQueueEntry, error) {
	var added []domain.MergeQueueEntry
	err := q.docs.View(ctx, documentID, func(doc domain.Document) error {
		if start < 1 || end < start || end > doc.PageCount {
			return fmt.Errorf("%w: range %d-%d of %d pages", domain.ErrInvalidIndex, start, end, doc.PageCount)
		}
		added = make([]domain.MergeQueueEntry, 0, end-start+1)
		for i := start - 1; i <= end-1; i++ {
			added = append(added, newEntry(doc, i))
		}
		return q.mutate(ctx, func(s *queueState) error {
			s.Entries = append(s.Entries, added...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// ToggleAll deselects every page of the document if all of them are queued,
// otherwise queues the pages that are missing. It reports whether the
// document ended up fully selected.
func (q *MergeQueue) ToggleAll(ctx context.Context, documentID string) (bool, error) {
	selected := false
	err := q.docs.View(ctx, documentID, func(doc domain.Document) error {
		return q.mutate(ctx, func(s *queueState) error {
			present := make(map[int]bool)
			for _, e := range s.Entries {
				if e.DocumentID == documentID && e.Revision == doc.Revision {
					present[e.PageIndex] = true
				}
			}
			all := true
			for i := 0; i < doc.PageCount; i++ {
				if !present[i] {
					all = false
					break
				}
			}
			if all {
				s.Entries = slices.DeleteFunc(s.Entries, func(e domain.MergeQueueEntry) bool {
					return e.DocumentID == documentID
				})
				return nil
			}
			for i := 0; i < doc.PageCount; i++ {
				if !present[i] {
					s.Entries = append(s.Entries, newEntry(doc, i))
				}
			}
			selected = true
			return nil
		})
	})
	return selected, err
}

// Remap moves the document's entries to where their pages landed in the new
// revision doc and drops entries whose page is gone. Entries queued against
// an older revision are left for Merge to reject.
func (q *MergeQueue) Remap(ctx context.Context, doc domain.Document, pages PageMap) (int, error) {
	dropped := 0
	err := q.mutate(ctx, func(s *queueState) error {
		kept := make([]domain.MergeQueueEntry, 0, len(s.Entries))
		for _, e := range s.Entries {
			if e.DocumentID != doc.ID || e.Revision != doc.Revision-1 {
				kept = append(kept, e)
				continue
			}
			i, ok := pages.Apply(e.PageIndex)
			if !ok || i < 0 || i >= len(doc.Pages) {
				dropped++
				continue
			}
			p := doc.Pages[i]
			e.PageIndex, e.Revision = i, doc.Revision
			e.Width, e.Height, e.Rotation = p.Width, p.Height, p.Rotation
			e.Thumbnail = thumbnailURL(doc.ID, i)
			kept = append(kept, e)
		}
		s.Entries = kept
		return nil
	})
	return dropped, err
}

// Deselect removes one entry.
func (q *MergeQueue) Deselect(ctx context.Context, entryID string) error {
	return q.mutate(ctx, func(s *queueState) error {
		i := slices.IndexFunc(s.Entries, func(e domain.MergeQueueEntry) bool { return e.ID == entryID })
		if i < 0 {
			return fmt.Errorf("%w: queue entry %s", domain.ErrNotFound, entryID)
		}
		s.Entries = slices.Delete(s.Entries, i, i+1)
		return nil
	})
}

// Reorder moves an entry to newIndex in [0, len(queue)).
func (q *MergeQueue) Reorder(ctx context.Context, entryID string, newIndex int) error {
	return q.mutate(ctx, func(s *queueState) error {
		if newIndex < 0 || newIndex >= len(s.Entries) {
			return fmt.Errorf("%w: position %d of %d", domain.ErrInvalidIndex, newIndex, len(s.Entries))
		}
		i := slices.IndexFunc(s.Entries, func(e domain.MergeQueueEntry) bool { return e.ID == entryID })
		if i < 0 {
			return fmt.Errorf("%w: queue entry %s", domain.ErrNotFound, entryID)
		}
		entry := s.Entries[i]
		s.Entries = slices.Delete(s.Entries, i, i+1)
		s.Entries = slices.Insert(s.Entries, newIndex, entry)
		return nil
	})
}

// Clear empties the queue.
func (q *MergeQueue) Clear(ctx context.Context) error {
	return q.mutate(ctx, func(s *queueState) error {
		s.Entries = nil
		return nil
	})
}

// Purge drops every entry that references documentID and returns how many
// were removed.
func (q *MergeQueue) Purge(ctx context.Context, documentID string) (int, error) {
	removed := 0
	err := q.mutate(ctx, func(s *queueState) error {
		before := len(s.Entries)
		s.Entries = slices.DeleteFunc(s.Entries, func(e domain.MergeQueueEntry) bool {
			return e.DocumentID == documentID
		})
		removed = before - len(s.Entries)
		return nil
	})
	return removed, err
}

// DeleteDocument removes the document and every queue entry pointing at it.
func (q *MergeQueue) DeleteDocument(ctx context.Context, documentID string) error {
	if err := q.docs.Delete(ctx, documentID); err != nil {
		return err
	}
	_, err := q.Purge(ctx, documentID)
	return err
}

// mergeSource is one distinct document the merge reads from.
type mergeSource struct {
	id       string
	path     string
	revision int
	pages    []domain.PageMeta
	release  func()
}

// errSourcesChanged means a document joined the queue while the merge was
// locking its sources.
var errSourcesChanged = errors.New("merge sources changed")

// openSources snapshots the queue and pins one revision of every document it
// references. The document locks are held while reading so the entries and
// revisions agree; they are released before the output is written.
func (q *MergeQueue) openSources(ctx context.Context, ids []string) ([]domain.MergeQueueEntry, []*mergeSource, error) {
	unlock := q.docs.lockAll(ids)
	defer unlock()

	entries := q.Entries()
	var sources []*mergeSource
	group := make(map[string]int)
	for _, e := range entries {
		if _, ok := group[e.DocumentID]; !ok {
			group[e.DocumentID] = len(sources)
			sources = append(sources, &mergeSource{id: e.DocumentID})
		}
	}
	for id := range group {
		if !slices.Contains(ids, id) {
			return nil, nil, errSourcesChanged
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, src := range sources {
		g.Go(func() error {
			doc, release, err := q.docs.openLocked(gctx, src.id)
			if err != nil {
				return err
			}
			src.release = release
			src.path, src.pages, src.revision = doc.Path, doc.Pages, doc.Revision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		releaseSources(sources)
		return nil, nil, err
	}
	return entries, sources, nil
}

func releaseSources(sources []*mergeSource) {
	for _, src := range sources {
		if src.release != nil {
			src.release()
		}
	}
}

func entryDocuments(entries []domain.MergeQueueEntry) []string {
	var ids []string
	for _, e := range entries {
		if !slices.Contains(ids, e.DocumentID) {
			ids = append(ids, e.DocumentID)
		}
	}
	return ids
}

// Merge writes every queued page, in queue order, into one PDF. The queue is
// left as is so the user can merge again with other settings. Generation
// problems are reported in the result; only an empty queue or bad settings
// return an error.
func (q *MergeQueue) Merge(ctx context.Context, cfg domain.MergeConfig) (domain.MergeResult, error) {
	if len(q.Entries()) == 0 {
		return domain.MergeResult{}, domain.ErrEmptyQueue
	}
	size, resize, err := domain.LookupPageSize(cfg.PageSize)
	if err != nil {
		return domain.MergeResult{}, err
	}
	orientation, err := domain.ParseOrientation(cfg.Orientation)
	if err != nil {
		return domain.MergeResult{}, err
	}
	fail := func(entries int, err error) (domain.MergeResult, error) {
		slog.Warn("merge queue failed", "entries", entries, "err", err)
		return domain.MergeResult{Success: false, Error: err.Error()}, nil
	}

	var (
		entries []domain.MergeQueueEntry
		sources []*mergeSource
	)
	for attempt := 0; ; attempt++ {
		entries, sources, err = q.openSources(ctx, entryDocuments(q.Entries()))
		if !errors.Is(err, errSourcesChanged) || attempt == 2 {
			break
		}
	}
	if err != nil {
		return fail(len(q.Entries()), err)
	}
	defer releaseSources(sources)
	if len(entries) == 0 {
		return domain.MergeResult{}, domain.ErrEmptyQueue
	}
	group := make(map[string]int, len(sources))
	for i, src := range sources {
		group[src.id] = i
	}

	paths := make([]string, len(sources))
	for i, src := range sources {
		paths[i] = src.path
	}
	seq := make([]pdfkit.PageRef, len(entries))
	var turn []int
	for i, e := range entries {
		src := sources[group[e.DocumentID]]
		if e.Revision != src.revision {
			return fail(len(entries), fmt.Errorf("%w: %s was edited after page %d was queued", domain.ErrInvalidState, e.SourceDocumentName, e.PageIndex+1))
		}
		if e.PageIndex >= len(src.pages) {
			return fail(len(entries), fmt.Errorf("%w: page %d of %s no longer exists", domain.ErrInvalidIndex, e.PageIndex, e.SourceDocumentName))
		}
		seq[i] = pdfkit.PageRef{Source: group[e.DocumentID], Page: e.PageIndex}
		w, h := src.pages[e.PageIndex].DisplaySize()
		landscape := w > h
		if (orientation == domain.OrientationLandscape && !landscape) || (orientation == domain.OrientationPortrait && landscape) {
			turn = append(turn, i)
		}
	}

	work, cleanup, err := scratchDir(q.outputDir, "merge-*")
	if err != nil {
		return fail(len(entries), err)
	}
	defer cleanup()
	current := filepath.Join(work, "assembled.pdf")
	if err := q.engine.Assemble(ctx, paths, seq, current); err != nil {
		return fail(len(entries), err)
	}
	if len(turn) > 0 {
		next := filepath.Join(work, "oriented.pdf")
		if err := q.engine.RotatePages(current, next, turn, 90); err != nil {
			return fail(len(entries), err)
		}
		current = next
	}
	if resize {
		form := size.Name
		first := sources[group[entries[0].DocumentID]].pages[entries[0].PageIndex]
		w, h := first.DisplaySize()
		if orientation == domain.OrientationLandscape || (orientation == domain.OrientationKeep && w > h) {
			form += "L"
		}
		next := filepath.Join(work, "resized.pdf")
		if err := q.engine.Resize(current, next, form); err != nil {
			return fail(len(entries), err)
		}
		current = next
	}

	out := filepath.Join(q.outputDir, shortID(newJobID())+"-"+mergeOutputName(cfg.OutputFileName))
	if err := os.Rename(current, out); err != nil {
		return fail(len(entries), fmt.Errorf("move merge output: %w", err))
	}
	total, err := q.engine.PageCount(out)
	if err != nil {
		_ = os.Remove(out)
		return fail(len(entries), err)
	}
	res := domain.MergeResult{Success: true, OutputPath: out, TotalPages: total}
	if q.objects != nil {
		url, err := storage.Publish(ctx, q.objects, "merge/"+filepath.Base(out), out, q.presignExpiry)
		if err != nil {
			res.Warnings = append(res.Warnings, "publish failed: "+err.Error())
		} else {
			res.DownloadURL = url
		}
	}
	slog.Info("merge queue written", "entries", len(entries), "sources", len(sources), "pages", total)
	return res, nil
}

func mergeOutputName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "merged_" + time.Now().UTC().Format("20060102_150405") + ".pdf"
	}
	name = storage.SafeKey(name)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
