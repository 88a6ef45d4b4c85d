package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"docflow/pkg/domain"
	"docflow/pkg/pdfkit"
	"docflow/pkg/storage"
	"docflow/pkg/store"
)

const (
	a4W = 595.28
	a4H = 841.89
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	a, err := New(context.Background(), Config{
		StorageDir:        dir,
		Backend:           store.Backend{Kind: store.BackendMemory},
		AllowedExtensions: []string{".pdf", ".png", ".html", ".epub"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// addLabelled registers a PDF with one A4 page per label; each page carries
// its label as text.
func addLabelled(t *testing.T, a *App, name string, labels ...string) domain.Document {
	t.Helper()
	pages := make([]pdfkit.PageSpec, len(labels))
	for i, label := range labels {
		pages[i] = pdfkit.PageSpec{Width: a4W, Height: a4H, Lines: []string{label}}
	}
	var buf bytes.Buffer
	if err := pdfkit.WriteDocument(&buf, pages); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	doc, err := a.Upload(context.Background(), name, &buf)
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return doc
}

func docTexts(t *testing.T, a *App, id string) []string {
	t.Helper()
	doc, err := a.Documents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return fileTexts(t, doc.Path)
}

func fileTexts(t *testing.T, path string) []string {
	t.Helper()
	texts, err := pdfkit.ExtractPageText(path)
	if err != nil {
		t.Fatalf("extract %s: %v", path, err)
	}
	return texts
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create png: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
}

func waitJob(t *testing.T, a *App, id string) domain.BatchJob {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for {
		job, err := a.Batch.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s", id, job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Upload(context.Background(), "notes.exe", bytes.NewReader([]byte("x")))
	if !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("Upload() error = %v, want unsupported format", err)
	}
}

func TestUploadReadsPageMeta(t *testing.T) {
	a := newTestApp(t)
	doc := addLabelled(t, a, "three.pdf", "P0", "P1", "P2")
	if doc.PageCount != 3 {
		t.Fatalf("PageCount = %d, want 3", doc.PageCount)
	}
	pages, err := a.Documents.LoadPageMeta(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("LoadPageMeta() error: %v", err)
	}
	for i, p := range pages {
		if p.Index != i || p.Rotation != 0 || p.Width < 595 || p.Width > 596 {
			t.Fatalf("page %d meta = %+v", i, p)
		}
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	doc := addLabelled(t, a, "gone.pdf", "G0", "G1")
	keep := addLabelled(t, a, "keep.pdf", "K0")

	if _, err := a.Merge.ToggleAll(ctx, doc.ID); err != nil {
		t.Fatalf("ToggleAll() error: %v", err)
	}
	if _, err := a.Merge.SelectPage(ctx, keep.ID, 0); err != nil {
		t.Fatalf("SelectPage() error: %v", err)
	}
	if _, err := a.Annotations.Add(ctx, doc.ID, AnnotationInput{PageIndex: 1, Content: "note"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if _, err := a.Search.BuildIndex(ctx, doc.ID); err != nil {
		t.Fatalf("BuildIndex() error: %v", err)
	}

	if err := a.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error: %v", err)
	}
	if _, err := a.Documents.Get(ctx, doc.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want not found", err)
	}
	entries := a.Merge.Entries()
	if len(entries) != 1 || entries[0].DocumentID != keep.ID {
		t.Fatalf("queue after delete = %+v", entries)
	}
	if a.Search.Indexed(doc.ID) {
		t.Fatalf("search index still holds deleted document")
	}
	if n, _ := a.Annotations.records.List(ctx); len(n) != 0 {
		t.Fatalf("annotations left = %d", len(n))
	}
	if err := a.DeleteDocument(ctx, doc.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second DeleteDocument() error = %v, want not found", err)
	}
}

func TestRenderThumbnail(t *testing.T) {
	a := newTestApp(t)
	doc := addLabelled(t, a, "thumb.pdf", "T0", "T1")
	var buf bytes.Buffer
	if err := a.RenderThumbnail(context.Background(), doc.ID, 1, &buf); err != nil {
		t.Fatalf("RenderThumbnail() error: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Fatalf("thumbnail is not a png: %v", err)
	}
	err := a.RenderThumbnail(context.Background(), doc.ID, 2, &buf)
	if !errors.Is(err, domain.ErrInvalidIndex) {
		t.Fatalf("RenderThumbnail(2) error = %v, want invalid index", err)
	}
}

func TestConvertDocumentPublishes(t *testing.T) {
	dir := t.TempDir()
	objects, err := storage.NewLocalStore(filepath.Join(dir, "published"), "/files")
	if err != nil {
		t.Fatalf("NewLocalStore() error: %v", err)
	}
	a, err := New(context.Background(), Config{
		StorageDir: dir,
		Backend:    store.Backend{Kind: store.BackendMemory},
		Objects:    objects,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	doc := addLabelled(t, a, "text.pdf", "hello", "world")
	res, err := a.ConvertDocument(context.Background(), doc.ID, "txt", domain.ConversionOptions{})
	if err != nil {
		t.Fatalf("ConvertDocument() error: %v", err)
	}
	if !res.Success || res.OutputFormat != "txt" {
		t.Fatalf("result = %+v", res)
	}
	if res.DownloadURL == "" {
		t.Fatalf("DownloadURL empty")
	}
	data, err := os.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Contains(data, []byte("hello")) || !bytes.Contains(data, []byte("world")) {
		t.Fatalf("text output = %q", data)
	}
}

func TestConvertUploadHTML(t *testing.T) {
	a := newTestApp(t)
	html := `<html><head><style>p{}</style><script>var x;</script></head><body><h1>Title</h1><p>Body text</p></body></html>`
	res, err := a.ConvertUpload(context.Background(), "page.html", bytes.NewReader([]byte(html)), "txt", domain.ConversionOptions{})
	if err != nil {
		t.Fatalf("ConvertUpload() error: %v", err)
	}
	data, err := os.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	got := string(data)
	if !bytes.Contains(data, []byte("Title")) || !bytes.Contains(data, []byte("Body text")) {
		t.Fatalf("text = %q", got)
	}
	if bytes.Contains(data, []byte("var x")) {
		t.Fatalf("script leaked into text: %q", got)
	}
}

func TestBatchConvertPartialFailure(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	good := addLabelled(t, a, "good.pdf", "alpha")
	job, err := a.Batch.Submit(ctx, "convert", []string{good.ID, "missing-doc"}, map[string]string{OptTargetFormat: "txt"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("submitted status = %s, want pending", job.Status)
	}
	done := waitJob(t, a, job.ID)
	if done.Status != domain.JobCompletedWithErrors {
		t.Fatalf("status = %s, want completed_with_errors", done.Status)
	}
	if done.SuccessCount != 1 || done.FailureCount != 1 || len(done.Results) != 2 {
		t.Fatalf("counts = %d/%d results=%d", done.SuccessCount, done.FailureCount, len(done.Results))
	}
	if done.Results[0].OutputPath == "" || done.Results[1].Error == "" {
		t.Fatalf("results = %+v", done.Results)
	}
	if done.Percent() != 100 {
		t.Fatalf("percent = %v", done.Percent())
	}
}

func TestBatchConvertRequiresTarget(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Batch.Submit(context.Background(), "convert", []string{"x"}, nil)
	if !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("Submit() error = %v, want invalid operation", err)
	}
}

func TestBatchImagesToPDFResolvesStorageFiles(t *testing.T) {
	a := newTestApp(t)
	writePNG(t, filepath.Join(a.Documents.Dir(), "scan1.png"), 40, 60)
	writePNG(t, filepath.Join(a.Documents.Dir(), "scan2.png"), 60, 40)
	if err := os.WriteFile(filepath.Join(a.Documents.Dir(), "readme.html"), []byte("<p>x</p>"), 0o644); err != nil {
		t.Fatalf("write html: %v", err)
	}
	job, err := a.Batch.Submit(context.Background(), "images_to_pdf", []string{"scan1.png", "scan2.png", "readme.html"}, nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	done := waitJob(t, a, job.ID)
	if done.SuccessCount != 2 || done.FailureCount != 1 {
		t.Fatalf("counts = %d/%d results=%+v", done.SuccessCount, done.FailureCount, done.Results)
	}
	for _, r := range done.Results[:2] {
		n, err := a.engine.PageCount(r.OutputPath)
		if err != nil || n != 1 {
			t.Fatalf("output %s pages=%d err=%v", r.OutputPath, n, err)
		}
	}
}

func TestBatchImagesRejectsEscapingPath(t *testing.T) {
	a := newTestApp(t)
	outside := filepath.Join(filepath.Dir(a.Documents.Dir()), "outside.png")
	writePNG(t, outside, 10, 10)
	if _, _, err := a.resolveInput(context.Background(), "../outside.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("resolveInput() error = %v, want not found", err)
	}
}

func TestBatchMergeCombinesValidInputs(t *testing.T) {
	a := newTestApp(t)
	first := addLabelled(t, a, "first.pdf", "F0", "F1")
	second := addLabelled(t, a, "second.pdf", "S0")
	if err := os.WriteFile(filepath.Join(a.Documents.Dir(), "broken.pdf"), []byte("%PDF-1.4 nope"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}
	job, err := a.Batch.Submit(context.Background(), "merge", []string{first.ID, "broken.pdf", second.ID},
		map[string]string{OptOutputFileName: "combined"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	done := waitJob(t, a, job.ID)
	if done.Status != domain.JobCompletedWithErrors {
		t.Fatalf("status = %s (%s)", done.Status, done.ErrorMessage)
	}
	if filepath.Ext(done.OutputPath) != ".pdf" {
		t.Fatalf("output = %q", done.OutputPath)
	}
	want := []string{"F0", "F1", "S0"}
	if got := fileTexts(t, done.OutputPath); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged pages = %v, want %v", got, want)
	}
}

func TestBatchPageOps(t *testing.T) {
	a := newTestApp(t)
	one := addLabelled(t, a, "one.pdf", "A", "B", "C")
	two := addLabelled(t, a, "two.pdf", "X", "Y")
	job, err := a.Batch.Submit(context.Background(), "page_ops", []string{one.ID, two.ID},
		map[string]string{OptOperation: "move", OptFrom: "0", OptTo: "1"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	done := waitJob(t, a, job.ID)
	if done.Status != domain.JobCompleted {
		t.Fatalf("status = %s results=%+v", done.Status, done.Results)
	}
	if got := docTexts(t, a, one.ID); !reflect.DeepEqual(got, []string{"B", "A", "C"}) {
		t.Fatalf("one = %v", got)
	}
	if got := docTexts(t, a, two.ID); !reflect.DeepEqual(got, []string{"Y", "X"}) {
		t.Fatalf("two = %v", got)
	}
}

func TestBatchPageOpsValidatesOptions(t *testing.T) {
	a := newTestApp(t)
	cases := []map[string]string{
		{OptOperation: "shuffle"},
		{OptOperation: "rotate", OptIndex: "0"},
		{OptOperation: "split", OptIndex: "0", OptAxis: "diagonal"},
		{OptOperation: "merge", OptIndices: "1,x"},
		{OptOperation: "delete", OptIndex: "first"},
	}
	for _, opts := range cases {
		if _, err := a.Batch.Submit(context.Background(), "page_ops", []string{"d"}, opts); !errors.Is(err, domain.ErrInvalidOperation) {
			t.Fatalf("Submit(%v) error = %v, want invalid operation", opts, err)
		}
	}
}

func TestParseIndices(t *testing.T) {
	got, err := parseIndices(" 3, 1 ,2 ")
	if err != nil {
		t.Fatalf("parseIndices() error: %v", err)
	}
	if !reflect.DeepEqual(got, []int{3, 1, 2}) {
		t.Fatalf("parseIndices() = %v", got)
	}
	if _, err := parseIndices(" , "); err == nil {
		t.Fatalf("expected error for empty list")
	}
}

func TestConversionOptions(t *testing.T) {
	opts, err := conversionOptions(map[string]string{
		OptQuality: "80", OptDPI: "150", OptPageSize: "letter", OptOrientation: "landscape", OptPreserveFormatting: "true",
	})
	if err != nil {
		t.Fatalf("conversionOptions() error: %v", err)
	}
	if opts.Quality != 80 || opts.DPI != 150 || opts.Orientation != "landscape" || !opts.PreserveFormatting {
		t.Fatalf("opts = %+v", opts)
	}
	for _, bad := range []map[string]string{
		{OptQuality: "high"},
		{OptPageSize: "B5"},
		{OptOrientation: "sideways"},
		{OptPreserveFormatting: "maybe"},
	} {
		if _, err := conversionOptions(bad); !errors.Is(err, domain.ErrInvalidOperation) {
			t.Fatalf("conversionOptions(%v) error = %v", bad, err)
		}
	}
}

func TestUploadRejectsCorruptPDF(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Upload(context.Background(), "bad.pdf", bytes.NewReader([]byte("not a pdf at all")))
	if !errors.Is(err, domain.ErrCorruptInput) {
		t.Fatalf("Upload() error = %v, want corrupt input", err)
	}
	docs, _ := a.Documents.List(context.Background())
	if len(docs) != 0 {
		t.Fatalf("documents after rejected upload = %d", len(docs))
	}
}
