// Package photodex is an embedded image similarity engine: it ingests images,
// extracts embeddings, deduplicates them, and serves approximate
// nearest-neighbor search over everything it has accepted.
//
// The engine composes four stores behind one facade: a SQLite record store
// (the authoritative catalog), a file or object store for the image bytes, an
// HNSW vector index with snapshot persistence, and a transient per-owner
// comparison list used during batch ingestion. The ingestion pipeline keeps
// them consistent without transactions through ordered compensation.
//
// Quick start:
//
//	cfg := config.Default()
//	cfg.Index.Dimension = 512
//	cfg.Storage.DatabasePath = "./data/records.db"
//	cfg.Storage.ImageRoot = "./data/images"
//	cfg.Storage.IndexPath = "./data/vectors"
//
//	eng, err := photodex.Open(cfg, extractor)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	res, err := eng.Ingest(ctx, ingest.Request{
//	    OwnerID: 42,
//	    Ordinal: 1,
//	    Payload: imageBytes,
//	})
//
//	hits, err := eng.Search(ctx, queryVector, 10)
package photodex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/photodex/photodex/config"
	"github.com/photodex/photodex/distance"
	"github.com/photodex/photodex/imagestore"
	"github.com/photodex/photodex/index"
	"github.com/photodex/photodex/ingest"
	"github.com/photodex/photodex/maintenance"
	"github.com/photodex/photodex/store"
)

// Options configures collaborators the config file cannot express.
type Options struct {
	// Images overrides the default local file store, e.g. with a
	// MinIO-backed store.
	Images imagestore.Store

	// Fetcher overrides the pipeline's remote-image fetcher.
	Fetcher *ingest.Fetcher

	Logger *zap.Logger
}

// Engine is the facade over the record store, the image store, the vector
// index, and the ingestion pipeline.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	records  *store.Store
	images   imagestore.Store
	idx      *index.Index
	pipeline *ingest.Pipeline
	maint    *maintenance.Maintenance
	pool     *ingest.Pool
}

// Open wires an Engine from cfg and brings the vector index up to date: a
// saved snapshot is loaded when present and consistent, a corrupt snapshot is
// discarded and rebuilt from the record store, and a missing snapshot with
// existing records triggers the same rebuild.
func Open(cfg *config.Config, extractor ingest.Extractor, optFns ...func(o *Options)) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	records, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("photodex: open record store: %w", err)
	}

	images := opts.Images
	if images == nil {
		images = imagestore.NewLocalStore(cfg.Storage.ImageRoot)
	}

	idx := index.New(func(o *index.Options) {
		o.Dimension = cfg.Index.Dimension
		o.M = cfg.Index.M
		o.EF = cfg.Index.EF
		o.EFSearch = cfg.Index.EFSearch
		o.CompactionRatio = cfg.Index.CompactionRatio
		o.Path = cfg.Storage.IndexPath
		o.Source = records
		o.Logger = logger
	})

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = ingest.NewFetcher(func(o *ingest.FetcherOptions) {
			o.Timeout = cfg.Fetch.Timeout.Std()
			o.Retries = cfg.Fetch.Retries
			o.Backoff = cfg.Fetch.Backoff.Std()
			o.RequestsPerSecond = cfg.Fetch.RequestsPerSecond
			o.MaxSize = cfg.Fetch.MaxSizeBytes
			o.Logger = logger
		})
	}

	pipeline := ingest.NewPipeline(records, images, idx, extractor, func(o *ingest.Options) {
		o.DedupThreshold = cfg.Dedup.IngestThreshold
		o.Fetcher = fetcher
		o.Logger = logger
	})

	maint := maintenance.New(records, images, idx, func(o *maintenance.Options) {
		o.Logger = logger
	})

	eng := &Engine{
		cfg:      cfg,
		logger:   logger,
		records:  records,
		images:   images,
		idx:      idx,
		pipeline: pipeline,
		maint:    maint,
		pool:     ingest.NewPool(cfg.Ingest.Workers),
	}

	if err := eng.restoreIndex(context.Background()); err != nil {
		_ = records.Close()
		return nil, err
	}
	return eng, nil
}

// restoreIndex reconciles the on-disk snapshot with the record store.
func (e *Engine) restoreIndex(ctx context.Context) error {
	err := e.idx.Load()
	switch {
	case err == nil:
		return nil

	case errors.Is(err, index.ErrCorruptSnapshot):
		e.logger.Warn("index snapshot corrupt, rebuilding from record store", zap.Error(err))
		return e.maint.RebuildFromStore(ctx)

	case errors.Is(err, fs.ErrNotExist):
		count, cErr := e.records.Count(ctx)
		if cErr != nil {
			return cErr
		}
		if count == 0 {
			return nil // genuinely fresh
		}
		e.logger.Warn("index snapshot missing, rebuilding from record store",
			zap.Int64("records", count))
		return e.maint.RebuildFromStore(ctx)

	default:
		return fmt.Errorf("photodex: load index: %w", err)
	}
}

// Ingest processes a single image through the full pipeline.
func (e *Engine) Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	return e.pipeline.Ingest(ctx, req)
}

// IngestOwnerBatch ingests a sequence of images for one owner with in-batch
// duplicate suppression. Batches for the same owner must not run
// concurrently; batches for different owners may.
func (e *Engine) IngestOwnerBatch(ctx context.Context, ownerID int64, startOrdinal int, items []ingest.BatchItem) ([]ingest.Result, error) {
	return e.pipeline.IngestOwnerBatch(ctx, ownerID, startOrdinal, items)
}

// SubmitOwnerBatch runs IngestOwnerBatch on the engine's worker pool and
// delivers the outcome to done. Submit blocks when all workers are busy.
func (e *Engine) SubmitOwnerBatch(ctx context.Context, ownerID int64, startOrdinal int, items []ingest.BatchItem, done func([]ingest.Result, error)) error {
	return e.pool.Submit(ctx, func() {
		done(e.pipeline.IngestOwnerBatch(ctx, ownerID, startOrdinal, items))
	})
}

// Search returns the topK stored images closest to the query vector, best
// first. Scores are cosine similarity; the query is normalized on entry.
func (e *Engine) Search(ctx context.Context, query []float32, topK int) ([]index.Result, error) {
	q, ok := distance.NormalizeL2Copy(query)
	if !ok {
		return nil, fmt.Errorf("photodex: zero-norm query vector")
	}
	return e.idx.Search(ctx, q, topK)
}

// SearchImage embeds an image and searches with the resulting vector.
func (e *Engine) SearchImage(ctx context.Context, image []byte, topK int) ([]index.Result, error) {
	vec, err := e.pipeline.Embed(ctx, image)
	if err != nil {
		return nil, err
	}
	return e.idx.Search(ctx, vec, topK)
}

// Get returns the catalog record for an id.
func (e *Engine) Get(ctx context.Context, id int64) (*store.ImageRecord, error) {
	return e.records.Get(ctx, id)
}

// Delete removes the given records from the index, the image store, and the
// catalog.
func (e *Engine) Delete(ctx context.Context, ids []int64) error {
	return e.maint.Delete(ctx, ids)
}

// DeleteOwner removes everything belonging to one owner.
func (e *Engine) DeleteOwner(ctx context.Context, ownerID int64) error {
	return e.maint.DeleteOwner(ctx, ownerID)
}

// Rebuild reconstructs the vector index from the record store, collapsing
// tombstones and repairing any index drift.
func (e *Engine) Rebuild(ctx context.Context) error {
	return e.maint.RebuildFromStore(ctx)
}

// Stats reports the current index statistics.
func (e *Engine) Stats() index.Stats {
	return e.idx.Stats()
}

// Close drains the worker pool, persists the index snapshot, and closes the
// record store.
func (e *Engine) Close() error {
	e.pool.Close()

	var firstErr error
	if err := e.idx.Save(); err != nil {
		firstErr = err
	}
	if err := e.records.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
