// Package maintenance implements bulk administrative operations that span the
// record store, the image files, and the vector index: mass deletion and
// full index rebuilds.
package maintenance

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/photodex/photodex/imagestore"
	"github.com/photodex/photodex/index"
	"github.com/photodex/photodex/store"
)

// Options configures a Maintenance.
type Options struct {
	// FileWorkers bounds concurrent image-file deletions.
	FileWorkers int
	Logger      *zap.Logger
}

// Maintenance performs bulk operations over all three stores. It assumes it
// is the only writer while an operation runs; it is not safe to run
// concurrently with ingestion.
type Maintenance struct {
	records *store.Store
	images  imagestore.Store
	idx     *index.Index
	workers int
	logger  *zap.Logger
}

// New wires a Maintenance.
func New(records *store.Store, images imagestore.Store, idx *index.Index, optFns ...func(o *Options)) *Maintenance {
	opts := Options{FileWorkers: 8}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FileWorkers <= 0 {
		opts.FileWorkers = 8
	}

	return &Maintenance{
		records: records,
		images:  images,
		idx:     idx,
		workers: opts.FileWorkers,
		logger:  opts.Logger,
	}
}

// Delete removes a set of records everywhere: index first (so the vectors
// stop being served immediately), then image files, then record rows. An
// empty id set is a no-op. Unknown ids are skipped, not errors.
//
// File deletions run concurrently; a failed file delete aborts before the
// rows are touched, so the records remain authoritative for a retry.
func (mt *Maintenance) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	paths, err := mt.records.PathsByID(ctx, ids)
	if err != nil {
		return err
	}

	removed, err := mt.idx.RemoveBulk(ctx, ids)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mt.workers)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			return mt.images.Remove(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	deleted, err := mt.records.Delete(ctx, ids)
	if err != nil {
		return err
	}

	mt.logger.Info("bulk delete",
		zap.Int("requested", len(ids)),
		zap.Int("index_removed", removed),
		zap.Int64("rows_deleted", deleted),
	)

	// When nothing is left at all, drop the index back to a pristine empty
	// state instead of carrying a fully-tombstoned graph.
	count, err := mt.records.Count(ctx)
	if err != nil {
		return err
	}
	if count == 0 && mt.idx.Count() > 0 {
		return mt.idx.Reset()
	}
	return nil
}

// DeleteOwner removes every record belonging to one owner.
func (mt *Maintenance) DeleteOwner(ctx context.Context, ownerID int64) error {
	ids, err := mt.records.IDsByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	return mt.Delete(ctx, ids)
}

// RebuildFromStore discards the current graph and rebuilds it from every
// embedding in the record store. It is the recovery path for a lost or
// corrupt index snapshot, and also collapses accumulated tombstones.
func (mt *Maintenance) RebuildFromStore(ctx context.Context) error {
	entries, err := mt.records.AllVectors(ctx)
	if err != nil {
		return err
	}

	mt.logger.Info("rebuilding index from record store", zap.Int("vectors", len(entries)))
	return mt.idx.Rebuild(ctx, entries)
}
