package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileKV stores each namespace as one JSON file in a data directory.
// Writes go through a temp file and rename so a crash mid-write cannot leave
// a torn document.
type FileKV struct {
	mu   sync.Mutex
	dir  string
	data map[string]map[string]json.RawMessage // namespace → key → value
}

// NewFileKV opens (or creates) a file-backed store rooted at dir.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	kv := &FileKV{dir: dir, data: make(map[string]map[string]json.RawMessage)}
	if err := kv.loadAll(); err != nil {
		return nil, err
	}
	return kv, nil
}

func (f *FileKV) Get(_ context.Context, namespace, key string, out any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns, ok := f.data[namespace]
	if !ok {
		return false, nil
	}
	raw, ok := ns[key]
	if !ok {
		return false, nil
	}
	if err := unmarshalValue(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileKV) Set(_ context.Context, namespace, key string, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ns, ok := f.data[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		f.data[namespace] = ns
	}
	ns[key] = data

	return f.flushNamespace(namespace)
}

func (f *FileKV) Delete(_ context.Context, namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns, ok := f.data[namespace]
	if !ok {
		return nil
	}
	if _, ok := ns[key]; !ok {
		return nil
	}
	delete(ns, key)
	return f.flushNamespace(namespace)
}

func (f *FileKV) Keys(_ context.Context, namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns := f.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileKV) Close() error { return nil }

// flushNamespace writes one namespace file atomically. Caller holds the lock.
func (f *FileKV) flushNamespace(namespace string) error {
	ns := f.data[namespace]
	data, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal namespace %s: %w", namespace, err)
	}

	path := filepath.Join(f.dir, sanitizeFilename(namespace)+".json")

	tmpFile, err := os.CreateTemp(f.dir, "kv-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("store: sync temp: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: replace %s: %w", path, err)
	}
	cleanup = false
	return nil
}

func (f *FileKV) loadAll() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("store: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		ns := make(map[string]json.RawMessage)
		if err := json.Unmarshal(raw, &ns); err != nil {
			// A corrupt namespace file is skipped, not fatal: atomic rename
			// means this only happens to files written by something else.
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		f.data[name] = ns
	}
	return nil
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, name)
}
