package imagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePut(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewLocalStore(root)

	p, err := s.Put(ctx, 7, 0, "jpg", []byte("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "owner_7/img_0_1.jpg", p)

	data, err := os.ReadFile(filepath.Join(root, p))
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestLocalStoreUniqueNames(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	p1, err := s.Put(ctx, 1, 0, "jpg", []byte("a"))
	require.NoError(t, err)
	p2, err := s.Put(ctx, 1, 0, "jpg", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2, "same owner+ordinal must not collide")
}

func TestLocalStoreEmptyPayload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewLocalStore(root)

	_, err := s.Put(ctx, 1, 0, "jpg", nil)
	require.ErrorIs(t, err, ErrEmptyObject)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no residue after rejected put")
}

func TestLocalStoreRemove(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewLocalStore(root)

	p, err := s.Put(ctx, 1, 0, "jpg", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, p))
	_, err = os.Stat(filepath.Join(root, p))
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	require.NoError(t, s.Remove(ctx, p))
}

func TestObjectNameDefaultExt(t *testing.T) {
	assert.Equal(t, "owner_3/img_2_9.jpg", objectName(3, 2, 9, ""))
	assert.Equal(t, "owner_3/img_2_9.png", objectName(3, 2, 9, "png"))
}
