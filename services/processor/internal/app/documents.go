package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"docflow/internal/util"
	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
	"docflow/pkg/store"
)

// documentRecord is the persisted form of a Document; Path is kept out of
// API responses but must survive a restart.
type documentRecord struct {
	domain.Document
	Path string `json:"path"`
}

func (r documentRecord) document() domain.Document {
	doc := r.Document.Clone()
	doc.Path = r.Path
	return doc
}

func recordOf(doc domain.Document) documentRecord {
	return documentRecord{Document: doc.Clone(), Path: doc.Path}
}

// DocumentStore maps document ids to files and cached page metadata.
type DocumentStore struct {
	records store.Records[documentRecord]
	dir     string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	pinMu sync.Mutex
	pins  map[string]*filePin
}

// filePin counts readers of one revision file. A retired file is removed
// when its last reader lets go.
type filePin struct {
	refs    int
	retired bool
}

// NewDocumentStore keeps uploaded files and revisions under dir.
func NewDocumentStore(records store.Records[documentRecord], dir string) (*DocumentStore, error) {
	if records == nil {
		return nil, errors.New("document records required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &DocumentStore{
		records: records,
		dir:     dir,
		locks:   make(map[string]*sync.Mutex),
		pins:    make(map[string]*filePin),
	}, nil
}

// Dir is where document files and their revisions live.
func (s *DocumentStore) Dir() string { return s.dir }

// lock serializes mutations of one document.
func (s *DocumentStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// lockAll takes the locks of ids in a fixed order.
func (s *DocumentStore) lockAll(ids []string) func() {
	sorted := slices.Compact(slices.Sorted(slices.Values(ids)))
	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, s.lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *DocumentStore) forget(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// Register records an existing file under a fresh id. Page metadata is
// loaded lazily.
func (s *DocumentStore) Register(ctx context.Context, path, displayName string) (domain.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Document{}, fmt.Errorf("%w: file %s", domain.ErrNotFound, path)
		}
		return domain.Document{}, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return domain.Document{}, fmt.Errorf("%w: %s is a directory", domain.ErrInvalidOperation, path)
	}
	sum, err := checksumFile(path)
	if err != nil {
		return domain.Document{}, err
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = filepath.Base(path)
	}
	now := time.Now().UTC()
	doc := domain.Document{
		ID:        util.NewPrefixedID("doc"),
		Name:      displayName,
		Path:      path,
		Checksum:  sum,
		SizeBytes: info.Size(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.records.Put(ctx, doc.ID, recordOf(doc)); err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	return doc, nil
}

// Upload copies r into the storage dir and registers it.
func (s *DocumentStore) Upload(ctx context.Context, filename string, r io.Reader) (domain.Document, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return domain.Document{}, fmt.Errorf("%w: filename required", domain.ErrInvalidOperation)
	}
	ext := strings.ToLower(filepath.Ext(name))
	tmp, err := os.CreateTemp(s.dir, "upload-*"+ext+".part")
	if err != nil {
		return domain.Document{}, fmt.Errorf("create upload file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return domain.Document{}, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return domain.Document{}, fmt.Errorf("close upload: %w", err)
	}
	final := strings.TrimSuffix(tmpPath, ".part")
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return domain.Document{}, fmt.Errorf("commit upload: %w", err)
	}
	doc, err := s.Register(ctx, final, name)
	if err != nil {
		_ = os.Remove(final)
		return domain.Document{}, err
	}
	return doc, nil
}

// Get returns the document with id.
func (s *DocumentStore) Get(ctx context.Context, id string) (domain.Document, error) {
	rec, ok, err := s.records.Get(ctx, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	return rec.document(), nil
}

// List returns every document, oldest first.
func (s *DocumentStore) List(ctx context.Context) ([]domain.Document, error) {
	recs, err := s.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]domain.Document, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, rec.document())
	}
	return docs, nil
}

// Open returns the document with its current file pinned. The file outlives
// later revisions and Delete until release is called.
func (s *DocumentStore) Open(ctx context.Context, id string) (domain.Document, func(), error) {
	for {
		doc, err := s.Get(ctx, id)
		if err != nil {
			return domain.Document{}, nil, err
		}
		release := s.pin(doc.Path)
		cur, err := s.Get(ctx, id)
		if err != nil {
			release()
			return domain.Document{}, nil, err
		}
		if cur.Path == doc.Path {
			return cur, release, nil
		}
		// A revision committed in between; the old file may already be gone.
		release()
		if err := ctx.Err(); err != nil {
			return domain.Document{}, nil, err
		}
	}
}

func (s *DocumentStore) pin(path string) func() {
	s.pinMu.Lock()
	p, ok := s.pins[path]
	if !ok {
		p = &filePin{}
		s.pins[path] = p
	}
	p.refs++
	s.pinMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.pinMu.Lock()
			p.refs--
			remove := p.refs == 0 && p.retired
			if p.refs == 0 {
				delete(s.pins, path)
			}
			s.pinMu.Unlock()
			if remove {
				removeFile(path)
			}
		})
	}
}

// retire removes a file that no committed record points at any more, or
// defers that to the last reader holding it open. Callers commit first.
func (s *DocumentStore) retire(path string) {
	s.pinMu.Lock()
	if p, ok := s.pins[path]; ok && p.refs > 0 {
		p.retired = true
		s.pinMu.Unlock()
		return
	}
	s.pinMu.Unlock()
	removeFile(path)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove document file failed", "path", path, "err", err)
	}
}

// View runs fn on the document, pages loaded, while holding its lock. No
// revision commits until fn returns.
func (s *DocumentStore) View(ctx context.Context, id string, fn func(doc domain.Document) error) error {
	unlock := s.lock(id)
	defer unlock()
	doc, err := s.loadPagesLocked(ctx, id)
	if err != nil {
		return err
	}
	return fn(doc)
}

// openLocked is Open for a caller that already holds the document lock.
func (s *DocumentStore) openLocked(ctx context.Context, id string) (domain.Document, func(), error) {
	doc, err := s.loadPagesLocked(ctx, id)
	if err != nil {
		return domain.Document{}, nil, err
	}
	return doc, s.pin(doc.Path), nil
}

// LoadPageMeta parses the document once and caches its page metadata.
func (s *DocumentStore) LoadPageMeta(ctx context.Context, id string) ([]domain.PageMeta, error) {
	unlock := s.lock(id)
	defer unlock()
	doc, err := s.loadPagesLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Pages, nil
}

// loadPagesLocked returns the document with Pages populated. The caller holds
// the document lock.
func (s *DocumentStore) loadPagesLocked(ctx context.Context, id string) (domain.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if doc.Pages != nil {
		return doc, nil
	}
	if !isPDF(doc.Path) {
		return domain.Document{}, fmt.Errorf("%w: %s is not a PDF", domain.ErrUnsupportedFormat, doc.Name)
	}
	pages, err := pdfkit.ReadPageMeta(doc.Path)
	if err != nil {
		return domain.Document{}, err
	}
	doc.Pages = pages
	doc.PageCount = len(pages)
	if err := s.records.Put(ctx, id, recordOf(doc)); err != nil {
		return domain.Document{}, fmt.Errorf("save page metadata: %w", err)
	}
	return doc, nil
}

// commitLocked stores doc as the new state. The caller holds the document lock.
func (s *DocumentStore) commitLocked(ctx context.Context, doc domain.Document) error {
	doc.UpdatedAt = time.Now().UTC()
	if err := s.records.Put(ctx, doc.ID, recordOf(doc)); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// Delete removes the entry and then its file, once no reader holds it. A
// file already gone is not an error.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	doc, err := s.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	err = s.records.Delete(ctx, id)
	if err != nil {
		unlock()
		return fmt.Errorf("delete document: %w", err)
	}
	s.retire(doc.Path)
	unlock()
	s.forget(id)
	return nil
}

// newRevisionPath names a fresh file for the next revision of id.
func (s *DocumentStore) newRevisionPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-r%s.pdf", id, newJobID()))
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
