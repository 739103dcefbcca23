// ABOUTME: Snapshot store interface and the JSON file implementation
// ABOUTME: The file store rewrites the whole snapshot atomically via temp file + rename

package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the full fleet snapshot. Implementations rewrite the whole
// snapshot on Save; there is no append log.
type Store interface {
	// Load returns the persisted snapshot, or an empty one if nothing has
	// been saved yet.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the persisted snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// Close releases any held resources.
	Close() error
}

// FileStore persists the snapshot as a single JSON document. Writes go to a
// temp file in the same directory and are renamed into place so a crash
// mid-write never leaves a torn snapshot.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a file store at the given path. Parent directories
// are created if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the snapshot file. A missing file is an empty snapshot, not an
// error.
func (fs *FileStore) Load(_ context.Context) (*Snapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Machines == nil {
		snap.Machines = make(map[string]*Machine)
	}
	return &snap, nil
}

// Save rewrites the snapshot file.
func (fs *FileStore) Save(_ context.Context, snap *Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error { return nil }

// Ensure FileStore implements Store
var _ Store = (*FileStore)(nil)
