package index

import "errors"

var (
	// ErrCorruptSnapshot indicates that the on-disk graph/id-map pair is
	// unreadable, incomplete, or internally inconsistent. It is never repaired
	// silently; recovery goes through a rebuild from the record store.
	ErrCorruptSnapshot = errors.New("index: corrupt snapshot")

	// ErrNoRebuildSource guards a compaction rebuild attempted without a
	// configured RebuildSource. Removals never surface it: without a source,
	// tombstones accumulate instead of triggering compaction.
	ErrNoRebuildSource = errors.New("index: no rebuild source configured")
)
