package imagestore

import (
	"bytes"
	"context"
	"path"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
)

// MinioStore implements Store for MinIO and S3-compatible object storage,
// for deployments keeping product photos in a bucket rather than on disk.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
	seq    atomic.Uint64
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore creates a MinIO-backed image store. prefix is prepended to
// every object key (e.g. "photos/").
func NewMinioStore(client *minio.Client, bucket, prefix string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *MinioStore) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads data under a uniquely named key and returns the key.
func (s *MinioStore) Put(ctx context.Context, ownerID int64, ordinal int, ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyObject
	}

	name := objectName(ownerID, ordinal, s.seq.Add(1), ext)
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return "", err
	}
	return name, nil
}

// Remove deletes the object at path. A missing object is not an error.
func (s *MinioStore) Remove(ctx context.Context, p string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(p), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}
