// Package imagestore places and removes the original image files referenced
// by the record store's path column.
//
// Paths are unique by construction: a process-monotonic sequence number is
// appended to every name, so re-ingesting the same owner+ordinal never
// collides with an earlier file.
package imagestore

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyObject is returned when a zero-length image would be stored.
var ErrEmptyObject = errors.New("imagestore: empty image payload")

// Store persists original image files under a per-owner area.
type Store interface {
	// Put writes data to a uniquely named location under the owner's area
	// and returns the path recorded in the record store.
	Put(ctx context.Context, ownerID int64, ordinal int, ext string, data []byte) (string, error)

	// Remove deletes the file at path. Removing a path that is already gone
	// is not an error.
	Remove(ctx context.Context, path string) error
}

// objectName builds the relative path for one image.
func objectName(ownerID int64, ordinal int, seq uint64, ext string) string {
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("owner_%d/img_%d_%d.%s", ownerID, ordinal, seq, ext)
}
