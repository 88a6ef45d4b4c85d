package app

import (
	"context"
	"errors"
	"os"
	"testing"

	"docflow/pkg/domain"
)

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return err == nil
}

func TestOpenKeepsRevisionUntilReleased(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	doc := addLabelled(t, a, "doc.pdf", "A", "B")

	opened, release, err := a.Documents.Open(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	next, err := a.Pages.Rotate(ctx, doc.ID, 0, 90)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if next.Path == opened.Path {
		t.Fatalf("rotate reused the open revision file")
	}
	if !fileExists(t, opened.Path) {
		t.Fatalf("open revision removed while pinned")
	}
	release()
	release()
	if fileExists(t, opened.Path) {
		t.Fatalf("old revision kept after release")
	}
	if !fileExists(t, next.Path) {
		t.Fatalf("current revision missing")
	}

	// An unpinned revision goes as soon as the next one commits.
	after, err := a.Pages.Rotate(ctx, doc.ID, 0, 270)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if fileExists(t, next.Path) || !fileExists(t, after.Path) {
		t.Fatalf("revision files: old kept=%v new present=%v", fileExists(t, next.Path), fileExists(t, after.Path))
	}
}

func TestDeleteWaitsForOpenReaders(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	doc := addLabelled(t, a, "doc.pdf", "A")

	opened, release, err := a.Documents.Open(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := a.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error: %v", err)
	}
	if _, _, err := a.Documents.Open(ctx, doc.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Open() after delete error = %v", err)
	}
	if !fileExists(t, opened.Path) {
		t.Fatalf("file removed under an open reader")
	}
	release()
	if fileExists(t, opened.Path) {
		t.Fatalf("file kept after last reader")
	}
}
