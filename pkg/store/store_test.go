package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

type testRecord struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Pages []string `json:"pages"`
}

func exerciseRecords(t *testing.T, s Records[testRecord]) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	for _, id := range []string{"b", "a", "c"} {
		if err := s.Put(ctx, id, testRecord{ID: id, Name: "first-" + id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := s.Put(ctx, "b", testRecord{ID: "b", Name: "second-b", Pages: []string{"p1"}}); err != nil {
		t.Fatalf("replace b: %v", err)
	}

	got, ok, err := s.Get(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("get b: ok=%v err=%v", ok, err)
	}
	if got.Name != "second-b" || len(got.Pages) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "b" || list[1].ID != "a" || list[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", list)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	list, err = s.List(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("unexpected list after delete: %+v", list)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseRecords(t, NewMemoryStore[testRecord]())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[testRecord]()
	rec := testRecord{ID: "x", Pages: []string{"p1"}}
	if err := s.Put(ctx, "x", rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Pages[0] = "mutated"
	got, _, _ := s.Get(ctx, "x")
	if got.Pages[0] != "p1" {
		t.Fatalf("store shares memory with caller: %+v", got)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore[testRecord](t.TempDir(), "records")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	exerciseRecords(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore[testRecord](dir, "documents")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := s.Put(ctx, "doc-1", testRecord{ID: "doc-1", Name: "report.pdf"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened, err := NewFileStore[testRecord](dir, "documents")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Get(ctx, "doc-1")
	if err != nil || !ok || got.Name != "report.pdf" {
		t.Fatalf("unexpected record after reopen: %+v ok=%v err=%v", got, ok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "documents.json")); err != nil {
		t.Fatalf("expected collection file: %v", err)
	}
}

func TestFileStoreConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore[testRecord](t.TempDir(), "jobs")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			if err := s.Put(ctx, id, testRecord{ID: id}); err != nil {
				t.Errorf("put %s: %v", id, err)
			}
		}()
	}
	wg.Wait()
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(list))
	}
}

func TestRedisStore(t *testing.T) {
	redis := miniredis.RunT(t)
	client := NewRedisClient(redis.Addr(), "")
	t.Cleanup(func() { _ = client.Close() })
	exerciseRecords(t, NewRedisStore[testRecord](client, "records"))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open[testRecord](Backend{Kind: "cassandra"}, "records"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if _, err := Open[testRecord](Backend{Kind: BackendPostgres}, "records"); err == nil {
		t.Fatalf("expected error for postgres without db")
	}
	s, err := Open[testRecord](Backend{Kind: BackendFile, Dir: t.TempDir()}, "records")
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	if _, ok := s.(*FileStore[testRecord]); !ok {
		t.Fatalf("expected file store, got %T", s)
	}
}
