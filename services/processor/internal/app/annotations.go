package app

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"docflow/internal/util"
	"docflow/pkg/domain"
	"docflow/pkg/store"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// AnnotationInput creates an annotation.
type AnnotationInput struct {
	PageIndex int         `json:"pageIndex"`
	Rect      domain.Rect `json:"rect"`
	Content   string      `json:"content"`
	Author    string      `json:"author"`
	Color     string      `json:"color"`
}

// AnnotationPatch updates the fields that are set.
type AnnotationPatch struct {
	Rect    *domain.Rect `json:"rect"`
	Content *string      `json:"content"`
	Color   *string      `json:"color"`
}

// Annotations stores per-page notes for documents.
type Annotations struct {
	records store.Records[domain.Annotation]
	docs    *DocumentStore
	mu      sync.Mutex
}

func NewAnnotations(records store.Records[domain.Annotation], docs *DocumentStore) *Annotations {
	return &Annotations{records: records, docs: docs}
}

func validateRect(r domain.Rect) error {
	if r.Width < 0 || r.Height < 0 {
		return fmt.Errorf("%w: rect size must be >= 0", domain.ErrInvalidOperation)
	}
	return nil
}

func normalizeColor(c string) (string, error) {
	c = strings.TrimSpace(c)
	if c == "" {
		return domain.DefaultAnnotationColor, nil
	}
	if !colorPattern.MatchString(c) {
		return "", fmt.Errorf("%w: color %q is not #RRGGBB", domain.ErrInvalidOperation, c)
	}
	return strings.ToUpper(c), nil
}

// Add attaches an annotation to a page of the document.
func (a *Annotations) Add(ctx context.Context, documentID string, in AnnotationInput) (domain.Annotation, error) {
	if strings.TrimSpace(in.Content) == "" {
		return domain.Annotation{}, fmt.Errorf("%w: content required", domain.ErrInvalidOperation)
	}
	if err := validateRect(in.Rect); err != nil {
		return domain.Annotation{}, err
	}
	color, err := normalizeColor(in.Color)
	if err != nil {
		return domain.Annotation{}, err
	}
	var ann domain.Annotation
	// The index check and the write share one document lock.
	err = a.docs.View(ctx, documentID, func(doc domain.Document) error {
		if in.PageIndex < 0 || in.PageIndex >= len(doc.Pages) {
			return fmt.Errorf("%w: page %d of %d", domain.ErrInvalidIndex, in.PageIndex, len(doc.Pages))
		}
		now := time.Now().UTC()
		ann = domain.Annotation{
			ID:         util.NewPrefixedID("ann"),
			DocumentID: documentID,
			PageIndex:  in.PageIndex,
			Rect:       in.Rect,
			Content:    in.Content,
			Author:     strings.TrimSpace(in.Author),
			Color:      color,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := a.records.Put(ctx, ann.ID, ann); err != nil {
			return fmt.Errorf("save annotation: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Annotation{}, err
	}
	return ann, nil
}

// List returns the document's annotations ordered by page, then creation. A
// non-nil page filters to that page.
func (a *Annotations) List(ctx context.Context, documentID string, page *int) ([]domain.Annotation, error) {
	if _, err := a.docs.Get(ctx, documentID); err != nil {
		return nil, err
	}
	all, err := a.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	out := make([]domain.Annotation, 0)
	for _, ann := range all {
		if ann.DocumentID != documentID || (page != nil && ann.PageIndex != *page) {
			continue
		}
		out = append(out, ann)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PageIndex < out[j].PageIndex })
	return out, nil
}

func (a *Annotations) get(ctx context.Context, documentID, id string) (domain.Annotation, error) {
	ann, ok, err := a.records.Get(ctx, id)
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("load annotation: %w", err)
	}
	if !ok || ann.DocumentID != documentID {
		return domain.Annotation{}, fmt.Errorf("%w: annotation %s", domain.ErrNotFound, id)
	}
	return ann, nil
}

// Update applies patch to an annotation.
func (a *Annotations) Update(ctx context.Context, documentID, id string, patch AnnotationPatch) (domain.Annotation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ann, err := a.get(ctx, documentID, id)
	if err != nil {
		return domain.Annotation{}, err
	}
	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return domain.Annotation{}, fmt.Errorf("%w: content required", domain.ErrInvalidOperation)
		}
		ann.Content = *patch.Content
	}
	if patch.Rect != nil {
		if err := validateRect(*patch.Rect); err != nil {
			return domain.Annotation{}, err
		}
		ann.Rect = *patch.Rect
	}
	if patch.Color != nil {
		color, err := normalizeColor(*patch.Color)
		if err != nil {
			return domain.Annotation{}, err
		}
		ann.Color = color
	}
	ann.UpdatedAt = time.Now().UTC()
	if err := a.records.Put(ctx, ann.ID, ann); err != nil {
		return domain.Annotation{}, fmt.Errorf("save annotation: %w", err)
	}
	return ann, nil
}

// Delete removes one annotation.
func (a *Annotations) Delete(ctx context.Context, documentID, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.get(ctx, documentID, id); err != nil {
		return err
	}
	return a.records.Delete(ctx, id)
}

// DeleteDocument removes every annotation of the document.
func (a *Annotations) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	all, err := a.records.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list annotations: %w", err)
	}
	n := 0
	for _, ann := range all {
		if ann.DocumentID != documentID {
			continue
		}
		if err := a.records.Delete(ctx, ann.ID); err != nil {
			return n, fmt.Errorf("delete annotation: %w", err)
		}
		n++
	}
	return n, nil
}

// Remap moves the document's annotations to where their pages landed after
// an edit. Annotations on a page that was deleted, merged or split are
// removed; the count of those is returned.
func (a *Annotations) Remap(ctx context.Context, documentID string, pages PageMap) (int, error) {
	if pages == nil {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	all, err := a.records.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list annotations: %w", err)
	}
	removed := 0
	for _, ann := range all {
		if ann.DocumentID != documentID {
			continue
		}
		i, ok := pages.Apply(ann.PageIndex)
		switch {
		case !ok:
			if err := a.records.Delete(ctx, ann.ID); err != nil {
				return removed, fmt.Errorf("delete annotation: %w", err)
			}
			removed++
		case i != ann.PageIndex:
			ann.PageIndex = i
			if err := a.records.Put(ctx, ann.ID, ann); err != nil {
				return removed, fmt.Errorf("save annotation: %w", err)
			}
		}
	}
	return removed, nil
}
