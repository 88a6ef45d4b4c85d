package app

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
)

const (
	snippetRadius  = 40
	maxHitsPerPage = 20
)

// SearchIndex caches the per-page text of documents and answers queries
// against it. Entries are dropped whenever a document changes.
type SearchIndex struct {
	docs *DocumentStore

	mu    sync.RWMutex
	pages map[string][]string
}

func NewSearchIndex(docs *DocumentStore) *SearchIndex {
	return &SearchIndex{docs: docs, pages: make(map[string][]string)}
}

// BuildIndex extracts and caches the text of the document. It returns the
// number of pages indexed. The document lock is held throughout, so a commit
// and its Invalidate cannot land between the read and the cache write.
func (x *SearchIndex) BuildIndex(ctx context.Context, documentID string) (int, error) {
	doc, err := x.docs.Get(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if !isPDF(doc.Path) {
		return 0, fmt.Errorf("%w: %s is not a PDF", domain.ErrUnsupportedFormat, doc.Name)
	}
	var texts []string
	err = x.docs.View(ctx, documentID, func(doc domain.Document) error {
		var err error
		if texts, err = pdfkit.ExtractPageText(doc.Path); err != nil {
			return err
		}
		x.mu.Lock()
		x.pages[documentID] = texts
		x.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(texts), nil
}

// Indexed reports whether documentID has cached text.
func (x *SearchIndex) Indexed(documentID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.pages[documentID]
	return ok
}

// Invalidate drops the cached text of documentID.
func (x *SearchIndex) Invalidate(documentID string) {
	x.mu.Lock()
	delete(x.pages, documentID)
	x.mu.Unlock()
}

func (x *SearchIndex) texts(ctx context.Context, documentID string) ([]string, error) {
	x.mu.RLock()
	texts, ok := x.pages[documentID]
	x.mu.RUnlock()
	if ok {
		return texts, nil
	}
	if _, err := x.BuildIndex(ctx, documentID); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.pages[documentID], nil
}

// Search finds query in one document, building its index on first use.
func (x *SearchIndex) Search(ctx context.Context, documentID, query string, opts domain.SearchOptions) ([]domain.SearchHit, error) {
	m, err := newMatcher(query, opts)
	if err != nil {
		return nil, err
	}
	texts, err := x.texts(ctx, documentID)
	if err != nil {
		return nil, err
	}
	hits := make([]domain.SearchHit, 0)
	for page, text := range texts {
		for _, h := range m.find(text) {
			h.DocumentID = documentID
			h.PageIndex = page
			hits = append(hits, h)
		}
	}
	if opts.Fuzzy {
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	}
	return hits, nil
}

// SearchAll runs query across every PDF document, indexing in parallel.
func (x *SearchIndex) SearchAll(ctx context.Context, query string, opts domain.SearchOptions) ([]domain.SearchHit, error) {
	if _, err := newMatcher(query, opts); err != nil {
		return nil, err
	}
	docs, err := x.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	results := make([][]domain.SearchHit, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, doc := range docs {
		if !isPDF(doc.Path) {
			continue
		}
		g.Go(func() error {
			hits, err := x.Search(gctx, doc.ID, query, opts)
			if err != nil {
				return fmt.Errorf("search %s: %w", doc.Name, err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []domain.SearchHit
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

type matcher struct {
	query string
	opts  domain.SearchOptions
	re    *regexp.Regexp
}

func newMatcher(query string, opts domain.SearchOptions) (*matcher, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidOperation)
	}
	m := &matcher{query: query, opts: opts}
	if opts.Fuzzy {
		return m, nil
	}
	pattern := regexp.QuoteMeta(query)
	if opts.Regex {
		pattern = query
	}
	if opts.WholeWord {
		pattern = `\b(?:` + pattern + `)\b`
	}
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern: %v", domain.ErrInvalidOperation, err)
	}
	m.re = re
	return m, nil
}

func (m *matcher) find(text string) []domain.SearchHit {
	if m.opts.Fuzzy {
		lines := strings.Split(text, "\n")
		var hits []domain.SearchHit
		for _, match := range fuzzy.Find(m.query, lines) {
			hits = append(hits, domain.SearchHit{Snippet: strings.TrimSpace(match.Str), Score: match.Score})
			if len(hits) == maxHitsPerPage {
				break
			}
		}
		return hits
	}
	var hits []domain.SearchHit
	for _, loc := range m.re.FindAllStringIndex(text, maxHitsPerPage) {
		if loc[0] == loc[1] {
			continue
		}
		hits = append(hits, domain.SearchHit{Snippet: snippet(text, loc[0], loc[1]), Score: 1})
	}
	return hits
}

func snippet(text string, start, end int) string {
	from := max(start-snippetRadius, 0)
	to := min(end+snippetRadius, len(text))
	for from > 0 && !isRuneStart(text[from]) {
		from--
	}
	for to < len(text) && !isRuneStart(text[to]) {
		to++
	}
	return strings.Join(strings.Fields(text[from:to]), " ")
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
