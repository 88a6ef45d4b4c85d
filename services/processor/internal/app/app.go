package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
	"docflow/pkg/queue"
	"docflow/pkg/storage"
	"docflow/pkg/store"
)

// Config holds processor settings.
type Config struct {
	StorageDir        string
	OutputDir         string
	Backend           store.Backend
	Objects           storage.ObjectStore
	PresignExpiry     time.Duration
	OfficeCommand     string
	ThumbnailDPI      int
	AllowedExtensions []string
	// Queue switches batch dispatch from in-process goroutines to a Redis
	// stream.
	Queue *queue.RedisJobQueue
}

// App wires the document processing components over one storage dir.
type App struct {
	Documents   *DocumentStore
	Pages       *PageMutator
	Converter   *ConversionAdapter
	Batch       *BatchTracker
	Merge       *MergeQueue
	Search      *SearchIndex
	Annotations *Annotations

	engine        *pdfkit.Engine
	workDir       string
	objects       storage.ObjectStore
	presignExpiry time.Duration
	thumbnailDPI  int
	allowed       map[string]bool
	local         *LocalDispatcher
	queued        *QueueDispatcher
}

// Record collection names.
const (
	collectionDocuments   = "documents"
	collectionBatchJobs   = "batch_jobs"
	collectionCancels     = "batch_cancels"
	collectionMergeQueue  = "merge_queue"
	collectionAnnotations = "annotations"
)

// New creates the app.
func New(ctx context.Context, cfg Config) (*App, error) {
	if strings.TrimSpace(cfg.StorageDir) == "" {
		return nil, errors.New("storage dir required")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(cfg.StorageDir, "outputs")
	}
	if cfg.Backend.Kind == store.BackendFile && cfg.Backend.Dir == "" {
		cfg.Backend.Dir = filepath.Join(cfg.StorageDir, "records")
	}

	docRecords, err := store.Open[documentRecord](cfg.Backend, collectionDocuments)
	if err != nil {
		return nil, err
	}
	jobRecords, err := store.Open[domain.BatchJob](cfg.Backend, collectionBatchJobs)
	if err != nil {
		return nil, err
	}
	cancelRecords, err := store.Open[cancelMark](cfg.Backend, collectionCancels)
	if err != nil {
		return nil, err
	}
	queueRecords, err := store.Open[queueState](cfg.Backend, collectionMergeQueue)
	if err != nil {
		return nil, err
	}
	annotationRecords, err := store.Open[domain.Annotation](cfg.Backend, collectionAnnotations)
	if err != nil {
		return nil, err
	}

	docs, err := NewDocumentStore(docRecords, cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	workDir := filepath.Join(cfg.StorageDir, "tmp")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	engine := pdfkit.NewEngine(workDir)
	converter, err := NewConversionAdapter(engine, cfg.OutputDir, cfg.OfficeCommand)
	if err != nil {
		return nil, err
	}
	merge, err := NewMergeQueue(ctx, MergeQueueConfig{
		Records:       queueRecords,
		Documents:     docs,
		Engine:        engine,
		Objects:       cfg.Objects,
		OutputDir:     cfg.OutputDir,
		PresignExpiry: cfg.PresignExpiry,
	})
	if err != nil {
		return nil, err
	}
	search := NewSearchIndex(docs)

	a := &App{
		Documents:     docs,
		Converter:     converter,
		Batch:         NewBatchTracker(jobRecords, cancelRecords, cfg.OutputDir),
		Merge:         merge,
		Search:        search,
		Annotations:   NewAnnotations(annotationRecords, docs),
		engine:        engine,
		workDir:       workDir,
		objects:       cfg.Objects,
		presignExpiry: cfg.PresignExpiry,
		thumbnailDPI:  cfg.ThumbnailDPI,
		allowed:       make(map[string]bool),
	}
	a.Pages = NewPageMutator(docs, engine, a.pagesChanged)
	if a.presignExpiry <= 0 {
		a.presignExpiry = 15 * time.Minute
	}
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		a.allowed[ext] = true
	}
	a.registerJobHandlers()

	if cfg.Queue != nil {
		a.queued = NewQueueDispatcher(cfg.Queue)
		a.Batch.SetDispatcher(a.queued)
	} else {
		a.local = NewLocalDispatcher(a.Batch.Run)
		a.Batch.SetDispatcher(a.local)
	}
	return a, nil
}

// Start begins executing batch jobs: stream consumers when queue dispatch is
// configured, otherwise jobs left unfinished by a previous run are resumed.
func (a *App) Start(ctx context.Context, concurrency int) {
	if a.queued != nil {
		a.queued.Consume(ctx, concurrency, a.Batch.Run)
		return
	}
	n, err := a.Batch.Resume(ctx)
	if err != nil {
		slog.Warn("resume batch jobs failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("resumed batch jobs", "count", n)
	}
}

// Shutdown stops in-process jobs at their next input boundary.
func (a *App) Shutdown(ctx context.Context) error {
	if a.local == nil {
		return nil
	}
	return a.local.Shutdown(ctx)
}

func (a *App) checkExtension(filename string) error {
	if len(a.allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !a.allowed[ext] {
		return fmt.Errorf("%w: file type %q not allowed", domain.ErrUnsupportedFormat, ext)
	}
	return nil
}

// Upload stores a new document. PDFs are parsed right away so a corrupt file
// is rejected at upload instead of on first use.
func (a *App) Upload(ctx context.Context, filename string, r io.Reader) (domain.Document, error) {
	if err := a.checkExtension(filename); err != nil {
		return domain.Document{}, err
	}
	doc, err := a.Documents.Upload(ctx, filename, r)
	if err != nil || !isPDF(doc.Path) {
		return doc, err
	}
	if _, err := a.Documents.LoadPageMeta(ctx, doc.ID); err != nil {
		if delErr := a.Documents.Delete(ctx, doc.ID); delErr != nil {
			slog.Warn("remove rejected upload failed", "document_id", doc.ID, "err", delErr)
		}
		return domain.Document{}, err
	}
	return a.Documents.Get(ctx, doc.ID)
}

// pagesChanged keeps page-indexed state in step with a committed revision.
func (a *App) pagesChanged(ctx context.Context, doc domain.Document, pages PageMap) {
	a.Search.Invalidate(doc.ID)
	if n, err := a.Merge.Remap(ctx, doc, pages); err != nil {
		slog.Warn("remap merge queue failed", "document_id", doc.ID, "err", err)
	} else if n > 0 {
		slog.Info("queued pages dropped", "document_id", doc.ID, "count", n)
	}
	if n, err := a.Annotations.Remap(ctx, doc.ID, pages); err != nil {
		slog.Warn("remap annotations failed", "document_id", doc.ID, "err", err)
	} else if n > 0 {
		slog.Info("annotations removed", "document_id", doc.ID, "count", n)
	}
}

// DeleteDocument removes a document with everything that refers to it.
func (a *App) DeleteDocument(ctx context.Context, id string) error {
	if err := a.Merge.DeleteDocument(ctx, id); err != nil {
		return err
	}
	a.Search.Invalidate(id)
	if n, err := a.Annotations.DeleteDocument(ctx, id); err != nil {
		slog.Warn("delete annotations failed", "document_id", id, "err", err)
	} else if n > 0 {
		slog.Info("annotations removed", "document_id", id, "count", n)
	}
	return nil
}

// RenderThumbnail writes a PNG preview of one page to w.
func (a *App) RenderThumbnail(ctx context.Context, documentID string, index int, w io.Writer) error {
	if _, err := a.Documents.LoadPageMeta(ctx, documentID); err != nil {
		return err
	}
	doc, release, err := a.Documents.Open(ctx, documentID)
	if err != nil {
		return err
	}
	defer release()
	if index < 0 || index >= len(doc.Pages) {
		return fmt.Errorf("%w: page %d of %d", domain.ErrInvalidIndex, index, len(doc.Pages))
	}
	dpi := a.thumbnailDPI
	if dpi <= 0 {
		dpi = 48
	}
	return pdfkit.RenderPage(doc.Path, index, float64(dpi), "png", 0, w)
}

// ConvertDocument converts a stored document.
func (a *App) ConvertDocument(ctx context.Context, documentID, target string, opts domain.ConversionOptions) (domain.ConversionResult, error) {
	doc, release, err := a.Documents.Open(ctx, documentID)
	if err != nil {
		return domain.ConversionResult{}, err
	}
	defer release()
	return a.convert(ctx, doc.Path, target, opts)
}

// ConvertUpload converts an uploaded file without registering it as a
// document.
func (a *App) ConvertUpload(ctx context.Context, filename string, r io.Reader, target string, opts domain.ConversionOptions) (domain.ConversionResult, error) {
	if err := a.checkExtension(filename); err != nil {
		return domain.ConversionResult{}, err
	}
	dir, cleanup, err := scratchDir(a.workDir, "convert-*")
	if err != nil {
		return domain.ConversionResult{}, err
	}
	defer cleanup()
	in := filepath.Join(dir, storage.SafeKey(filepath.Base(filename)))
	f, err := os.Create(in)
	if err != nil {
		return domain.ConversionResult{}, fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return domain.ConversionResult{}, fmt.Errorf("save upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return domain.ConversionResult{}, fmt.Errorf("save upload: %w", err)
	}
	return a.convert(ctx, in, target, opts)
}

func (a *App) convert(ctx context.Context, in, target string, opts domain.ConversionOptions) (domain.ConversionResult, error) {
	res, err := a.Converter.Convert(ctx, in, target, opts)
	if err != nil {
		return res, err
	}
	if a.objects != nil && res.OutputPath != "" {
		url, err := storage.Publish(ctx, a.objects, "convert/"+filepath.Base(res.OutputPath), res.OutputPath, a.presignExpiry)
		if err != nil {
			res.Warnings = append(res.Warnings, "publish failed: "+err.Error())
		} else {
			res.DownloadURL = url
		}
	}
	return res, nil
}
