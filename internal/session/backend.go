package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Backend is the passive key/value persistence mechanism underneath the
// Store. It carries no business logic.
type Backend interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Set stores a value under key.
	Set(key, value string) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error
}

// MemoryBackend is an in-process backend. It backs the session-scoped
// slots (cleared when the process ends) and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]string)}
}

func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileBackend is a durable backend storing all keys as one JSON document.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a truncated store. Multiple processes sharing the file are
// last-writer-wins; cross-process session synchronization is out of
// scope.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend creates a file backend at dir/sessions.json, creating
// the directory if needed. The file is owner-readable only since it holds
// tokens.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileBackend{path: filepath.Join(dir, "sessions.json")}, nil
}

func (f *FileBackend) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *FileBackend) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

func (f *FileBackend) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.save(values)
}

// load reads the backing file. A missing file is an empty store; a
// corrupt file is treated the same so a damaged store never wedges the
// application permanently.
func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return map[string]string{}, nil
	}
	return values, nil
}

func (f *FileBackend) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode session store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	return nil
}
