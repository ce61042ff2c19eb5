// Package ingest turns candidate images into durable, indexed, deduplicated
// records, or fails cleanly with no residue.
//
// The pipeline touches three stores in a fixed order (image file, record row,
// vector index) and keeps them consistent without transactions: each step
// registers a compensation, and a failure unwinds everything already done in
// reverse order before the error is surfaced. Callers only ever observe full
// success, a duplicate skip, or full absence.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/photodex/photodex/dedup"
	"github.com/photodex/photodex/distance"
	"github.com/photodex/photodex/imagestore"
	"github.com/photodex/photodex/index"
	"github.com/photodex/photodex/store"
)

// Extractor is the feature-extraction collaborator: an opaque function from
// image bytes to an L2-normalized embedding. It must be safe for concurrent
// use by multiple workers.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}

// Status classifies the outcome of one ingestion.
type Status int

const (
	// StatusIndexed means the image was stored, recorded, and indexed.
	StatusIndexed Status = iota
	// StatusDuplicate means the image repeats one already accepted for the
	// same owner. It is a success variant, not an error: nothing was stored.
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusIndexed:
		return "indexed"
	case StatusDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CompareSet is the owner-scoped comparison list: the vectors already
// accepted for one owner within the current ingestion batch. It is transient
// and caller-managed; it grows by one element per accepted image.
type CompareSet struct {
	vectors [][]float32
}

// NewCompareSet creates an empty comparison list.
func NewCompareSet() *CompareSet {
	return &CompareSet{}
}

// Append records an accepted vector.
func (c *CompareSet) Append(v []float32) {
	c.vectors = append(c.vectors, v)
}

// Len returns the number of accepted vectors.
func (c *CompareSet) Len() int {
	return len(c.vectors)
}

// Request describes one candidate image.
type Request struct {
	OwnerID int64
	Ordinal int

	// Payload holds the image bytes. When empty, SourceURL is fetched
	// instead.
	Payload   []byte
	SourceURL string

	// Ext is the file extension recorded in the path; defaults to "jpg".
	Ext string

	// CompareWith, when non-nil and non-empty, enables in-batch duplicate
	// suppression. Accepted vectors are appended to it.
	CompareWith *CompareSet

	// PersistIndex saves the index snapshot immediately after this image.
	// Batch callers leave it false and persist once at the end.
	PersistIndex bool
}

// Result reports a completed ingestion.
type Result struct {
	Status     Status
	ID         int64
	Path       string
	Vector     []float32
	Similarity float32 // set for StatusDuplicate
}

// Options configures a Pipeline.
type Options struct {
	// DedupThreshold is the cosine similarity above which an image is
	// treated as a repeat. Defaults to dedup.IngestThreshold.
	DedupThreshold float32
	Fetcher        *Fetcher
	Logger         *zap.Logger
}

// Pipeline is the only writer path into the record store and the index.
type Pipeline struct {
	records   *store.Store
	images    imagestore.Store
	idx       *index.Index
	extractor Extractor
	fetcher   *Fetcher
	threshold float32
	logger    *zap.Logger
}

// NewPipeline wires a Pipeline.
func NewPipeline(records *store.Store, images imagestore.Store, idx *index.Index, extractor Extractor, optFns ...func(o *Options)) *Pipeline {
	opts := Options{DedupThreshold: dedup.IngestThreshold}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewFetcher()
	}

	return &Pipeline{
		records:   records,
		images:    images,
		idx:       idx,
		extractor: extractor,
		fetcher:   opts.Fetcher,
		threshold: opts.DedupThreshold,
		logger:    opts.Logger,
	}
}

// step pairs an action with the compensation that undoes it, so rollback is
// mechanically the reverse of the steps that ran.
type step struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context)
}

// compensator accumulates the undo side of completed steps.
type compensator struct {
	undos  []step
	logger *zap.Logger
}

func (c *compensator) done(s step) {
	if s.undo != nil {
		c.undos = append(c.undos, s)
	}
}

// unwind runs compensations last-step-first. Compensation failures are
// logged, never propagated: the original error stays the caller's error.
func (c *compensator) unwind(ctx context.Context) {
	for i := len(c.undos) - 1; i >= 0; i-- {
		s := c.undos[i]
		c.logger.Debug("compensating", zap.String("step", s.name))
		s.undo(ctx)
	}
}

// Embed runs the extractor on an image and normalizes the result. It is the
// same embedding step ingestion uses, exposed for query-by-image callers.
func (p *Pipeline) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	vec, err := p.extractor.Extract(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}
	vec, ok := distance.NormalizeL2Copy(vec)
	if !ok {
		return nil, fmt.Errorf("%w: zero-norm embedding", ErrExtractFailed)
	}
	return vec, nil
}

// Ingest processes one candidate image. On any failure after the image file
// is created, everything already done in the same call is undone before the
// error returns. A detected duplicate is reported as StatusDuplicate, not as
// an error.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	jobID := uuid.NewString()
	logger := p.logger.With(
		zap.String("job_id", jobID),
		zap.Int64("owner_id", req.OwnerID),
		zap.Int("ordinal", req.Ordinal),
	)

	data := req.Payload
	if len(data) == 0 && req.SourceURL != "" {
		fetched, err := p.fetcher.Fetch(ctx, req.SourceURL)
		if err != nil {
			logger.Info("image skipped", zap.Error(err))
			return nil, err
		}
		data = fetched
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	comp := &compensator{logger: logger}

	// Step 1: materialize the image file.
	var path string
	materialize := step{
		name: "materialize image",
		run: func(ctx context.Context) error {
			var err error
			path, err = p.images.Put(ctx, req.OwnerID, req.Ordinal, req.Ext, data)
			if errors.Is(err, imagestore.ErrEmptyObject) {
				return fmt.Errorf("%w: owner %d ordinal %d", ErrEmptyImage, req.OwnerID, req.Ordinal)
			}
			return err
		},
		undo: func(ctx context.Context) {
			if err := p.images.Remove(ctx, path); err != nil {
				logger.Warn("compensation failed: remove image file", zap.String("path", path), zap.Error(err))
			}
		},
	}
	if err := materialize.run(ctx); err != nil {
		return nil, err
	}
	comp.done(materialize)

	// Step 2: extract and normalize the embedding.
	vec, err := p.Embed(ctx, data)
	if err != nil {
		comp.unwind(ctx)
		return nil, err
	}

	// Step 3: in-batch duplicate suppression.
	if req.CompareWith != nil && req.CompareWith.Len() > 0 {
		if m := dedup.Detect(vec, req.CompareWith.vectors, p.threshold); m.Duplicate {
			comp.unwind(ctx)
			logger.Info("duplicate image skipped", zap.Float32("similarity", m.Similarity))
			return &Result{Status: StatusDuplicate, Similarity: m.Similarity}, nil
		}
	}

	// Step 4: insert the record row.
	rec := &store.ImageRecord{
		OwnerID:   req.OwnerID,
		Ordinal:   req.Ordinal,
		Path:      path,
		Embedding: vec,
	}
	insertRecord := step{
		name: "insert record",
		run: func(ctx context.Context) error {
			_, err := p.records.Insert(ctx, rec)
			return err
		},
		undo: func(ctx context.Context) {
			if _, err := p.records.Delete(ctx, []int64{rec.ID}); err != nil {
				logger.Warn("compensation failed: delete record", zap.Int64("id", rec.ID), zap.Error(err))
			}
		},
	}
	if err := insertRecord.run(ctx); err != nil {
		comp.unwind(ctx)
		return nil, err
	}
	comp.done(insertRecord)

	// Step 5: insert into the vector index. The index serializes all
	// mutation behind its process-wide lock.
	insertVector := step{
		name: "insert vector",
		run: func(ctx context.Context) error {
			return p.idx.Add(ctx, rec.ID, vec)
		},
		undo: func(ctx context.Context) {
			if _, err := p.idx.Remove(ctx, rec.ID); err != nil {
				logger.Warn("compensation failed: remove index entry", zap.Int64("id", rec.ID), zap.Error(err))
			}
		},
	}
	if err := insertVector.run(ctx); err != nil {
		comp.unwind(ctx)
		return nil, fmt.Errorf("%w: %v", ErrIndexInsert, err)
	}
	comp.done(insertVector)

	// Step 6: optional immediate snapshot.
	if req.PersistIndex {
		if err := p.idx.Save(); err != nil {
			comp.unwind(ctx)
			return nil, err
		}
	}

	// Step 7: make the accepted vector visible to the rest of the batch.
	if req.CompareWith != nil {
		req.CompareWith.Append(vec)
	}

	logger.Debug("image indexed", zap.Int64("id", rec.ID), zap.String("path", path))

	return &Result{
		Status: StatusIndexed,
		ID:     rec.ID,
		Path:   path,
		Vector: vec,
	}, nil
}

// BatchItem is one image source inside an owner batch.
type BatchItem struct {
	Payload   []byte
	SourceURL string
	Ext       string
}

// IngestOwnerBatch ingests a sequence of images for one owner, sharing a
// comparison list so later images are checked against everything accepted
// earlier in the same batch. The index snapshot is persisted once at the
// end instead of per image.
//
// Fetch exhaustion skips the image and moves on; any other failure aborts
// the batch (already-accepted images stay, each being a committed unit).
func (p *Pipeline) IngestOwnerBatch(ctx context.Context, ownerID int64, startOrdinal int, items []BatchItem) ([]Result, error) {
	compare := NewCompareSet()
	results := make([]Result, 0, len(items))

	ordinal := startOrdinal
	for _, item := range items {
		res, err := p.Ingest(ctx, Request{
			OwnerID:     ownerID,
			Ordinal:     ordinal,
			Payload:     item.Payload,
			SourceURL:   item.SourceURL,
			Ext:         item.Ext,
			CompareWith: compare,
		})
		if errors.Is(err, ErrFetchExhausted) {
			continue
		}
		if err != nil {
			return results, err
		}

		results = append(results, *res)
		if res.Status == StatusIndexed {
			ordinal++
		}
	}

	if err := p.idx.Save(); err != nil {
		return results, err
	}
	return results, nil
}
