package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileStore keeps one collection in a single JSON file. Writes go to a temp
// file that is renamed over the old one, and a sidecar lock file serialises
// access across processes.
type FileStore[T any] struct {
	mu       sync.Mutex
	filePath string
}

type fileSnapshot struct {
	Order []string                   `json:"order"`
	Items map[string]json.RawMessage `json:"items"`
}

// NewFileStore creates dir when missing and returns the collection stored in
// dir/<collection>.json.
func NewFileStore[T any](dir, collection string) (*FileStore[T], error) {
	if dir == "" {
		return nil, errors.New("file store directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore[T]{filePath: filepath.Join(dir, collection+".json")}, nil
}

func (s *FileStore[T]) Get(_ context.Context, id string) (T, bool, error) {
	var out T
	snap, err := s.readLocked()
	if err != nil {
		return out, false, err
	}
	raw, ok := snap.Items[id]
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return out, true, nil
}

func (s *FileStore[T]) Put(_ context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.update(func(snap *fileSnapshot) {
		if _, exists := snap.Items[id]; !exists {
			snap.Order = append(snap.Order, id)
		}
		snap.Items[id] = raw
	})
}

func (s *FileStore[T]) Delete(_ context.Context, id string) error {
	return s.update(func(snap *fileSnapshot) {
		if _, ok := snap.Items[id]; !ok {
			return
		}
		delete(snap.Items, id)
		for i, existing := range snap.Order {
			if existing == id {
				snap.Order = append(snap.Order[:i], snap.Order[i+1:]...)
				break
			}
		}
	})
}

func (s *FileStore[T]) List(_ context.Context) ([]T, error) {
	snap, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	res := make([]T, 0, len(snap.Order))
	for _, id := range snap.Order {
		var v T
		if err := json.Unmarshal(snap.Items[id], &v); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		res = append(res, v)
	}
	return res, nil
}

func (s *FileStore[T]) update(fn func(*fileSnapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileLock := flock.New(s.filePath + ".lock")
	if err := fileLock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("release write lock failed", "path", s.filePath, "err", err)
		}
	}()

	snap, err := s.read()
	if err != nil {
		return err
	}
	fn(&snap)
	return s.write(snap)
}

func (s *FileStore[T]) readLocked() (fileSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileLock := flock.New(s.filePath + ".lock")
	if err := fileLock.RLock(); err != nil {
		return fileSnapshot{}, fmt.Errorf("acquire read lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("release read lock failed", "path", s.filePath, "err", err)
		}
	}()
	return s.read()
}

// read loads the snapshot; caller must hold the lock.
func (s *FileStore[T]) read() (fileSnapshot, error) {
	snap := fileSnapshot{Items: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("read store file: %w", err)
	}
	if len(data) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse store file: %w", err)
	}
	if snap.Items == nil {
		snap.Items = make(map[string]json.RawMessage)
	}
	return snap, nil
}

func (s *FileStore[T]) write(snap fileSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), filepath.Base(s.filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
