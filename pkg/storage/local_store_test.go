package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalStorePublishAndDelete(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewLocalStore(filepath.Join(base, "objects"), "/files")
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	src := filepath.Join(base, "merged.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	url, err := Publish(ctx, store, "merge/merged file.pdf", src, time.Hour)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if url != "/files/merge/merged%20file.pdf" {
		t.Fatalf("unexpected url: %q", url)
	}
	path, err := store.Path("merge/merged file.pdf")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "%PDF-1.4\n" {
		t.Fatalf("unexpected object content: %q err=%v", data, err)
	}

	if err := store.Delete(ctx, "merge/merged file.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "merge/merged file.pdf"); err != nil {
		t.Fatalf("delete missing object should succeed: %v", err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	for _, key := range []string{"../etc/passwd", "a/../../b", ""} {
		if _, err := store.Path(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("a.PDF"); got != "application/pdf" {
		t.Fatalf("unexpected pdf content type: %q", got)
	}
	if got := ContentType("noext"); got != "application/octet-stream" {
		t.Fatalf("unexpected fallback content type: %q", got)
	}
}

func TestSafeKey(t *testing.T) {
	if got := SafeKey("../my report.pdf"); got != "my_report.pdf" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := SafeKey(" "); got != "output" {
		t.Fatalf("unexpected empty key: %q", got)
	}
}
