package imagestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
)

// LocalStore implements Store on the local file system.
type LocalStore struct {
	root string
	seq  atomic.Uint64
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Put writes data to a uniquely named file under the owner's directory and
// returns its path relative to the store root.
func (s *LocalStore) Put(ctx context.Context, ownerID int64, ordinal int, ext string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyObject
	}

	name := objectName(ownerID, ordinal, s.seq.Add(1), ext)
	full := filepath.Join(s.root, filepath.FromSlash(name))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		// A partial write is this layer's problem, not the caller's.
		os.Remove(full)
		return "", err
	}

	return name, nil
}

// Remove deletes the file at path (relative to the store root).
func (s *LocalStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
