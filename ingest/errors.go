package ingest

import "errors"

var (
	// ErrEmptyImage is returned when the materialized image has no bytes.
	// Nothing durable exists after this error.
	ErrEmptyImage = errors.New("ingest: empty image")

	// ErrExtractFailed is returned when the feature extractor yields no
	// usable embedding for an image.
	ErrExtractFailed = errors.New("ingest: embedding extraction failed")

	// ErrIndexInsert distinguishes an index-insert failure from every other
	// failure class. By the time the caller sees it, the record row and the
	// image file created earlier in the same call have been removed.
	ErrIndexInsert = errors.New("ingest: index insert failed")

	// ErrFetchExhausted is returned when fetching a remote image source
	// failed after all retries. It marks a normal "image skipped" outcome,
	// not a pipeline fault.
	ErrFetchExhausted = errors.New("ingest: image fetch retries exhausted")

	// ErrPoolClosed is returned when work is submitted to a closed Pool.
	ErrPoolClosed = errors.New("ingest: worker pool closed")
)
