package index

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/photodex/photodex/hnsw"
)

const (
	// snapshotMagic identifies photodex snapshot files (ASCII "PDX0").
	snapshotMagic = 0x50445830
	// snapshotVersion is the current snapshot format version.
	snapshotVersion = 1

	graphSuffix = ".graph"
	idMapSuffix = ".ids"
)

// snapshotHeader precedes the zstd-compressed gob payload of every artifact.
type snapshotHeader struct {
	Magic   uint32
	Version uint32
	Count   uint64 // node count (graph) or id-map length; must agree pairwise
}

// idMapPayload is the serialized form of the id-map artifact.
type idMapPayload struct {
	IDs        []int64
	Tombstones []byte // roaring bitmap, MarshalBinary form
}

// Save writes the graph and id-map artifacts as one unit. Both files are
// written to temporary paths and renamed into place.
func (ix *Index) Save() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.saveLocked()
}

func (ix *Index) saveLocked() error {
	if ix.opts.Path == "" {
		return nil
	}

	count := uint64(ix.graph.Len())

	if err := writeArtifact(ix.opts.Path+graphSuffix, count, ix.graph); err != nil {
		return fmt.Errorf("index: save graph: %w", err)
	}
	if err := ix.saveIDMapLocked(); err != nil {
		return err
	}

	ix.logger.Debug("index snapshot saved",
		zap.String("path", ix.opts.Path),
		zap.Uint64("nodes", count),
	)
	return nil
}

// saveIDMapLocked persists only the id-map artifact. Used by removals that do
// not rebuild the graph: the graph file is still valid, only the tombstones
// changed.
func (ix *Index) saveIDMapLocked() error {
	if ix.opts.Path == "" {
		return nil
	}

	ts, err := ix.tombstones.MarshalBinary()
	if err != nil {
		return fmt.Errorf("index: marshal tombstones: %w", err)
	}

	payload := idMapPayload{IDs: ix.ids, Tombstones: ts}
	if err := writeArtifact(ix.opts.Path+idMapSuffix, uint64(len(ix.ids)), &payload); err != nil {
		return fmt.Errorf("index: save id-map: %w", err)
	}
	return nil
}

// Load restores the snapshot pair from disk.
//
// When neither artifact exists, fs.ErrNotExist is returned and the index is
// left untouched (caller starts fresh). One artifact without the other, or a
// graph size disagreeing with the id-map length, surfaces ErrCorruptSnapshot.
func (ix *Index) Load() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.opts.Path == "" {
		return fs.ErrNotExist
	}

	graphPath := ix.opts.Path + graphSuffix
	idsPath := ix.opts.Path + idMapSuffix

	_, graphErr := os.Stat(graphPath)
	_, idsErr := os.Stat(idsPath)

	switch {
	case errors.Is(graphErr, fs.ErrNotExist) && errors.Is(idsErr, fs.ErrNotExist):
		return fs.ErrNotExist
	case graphErr != nil || idsErr != nil:
		// One artifact is missing or unreadable: the pair is corrupt.
		return fmt.Errorf("%w: incomplete artifact pair at %s", ErrCorruptSnapshot, ix.opts.Path)
	}

	graph := newGraph(ix.opts)
	graphCount, err := readArtifact(graphPath, graph)
	if err != nil {
		return err
	}

	var payload idMapPayload
	idCount, err := readArtifact(idsPath, &payload)
	if err != nil {
		return err
	}

	if graphCount != idCount || int(graphCount) != graph.Len() || int(idCount) != len(payload.IDs) {
		return fmt.Errorf("%w: graph holds %d nodes, id-map holds %d entries",
			ErrCorruptSnapshot, graph.Len(), len(payload.IDs))
	}

	tombstones := roaringFromBytes(payload.Tombstones)
	if tombstones == nil {
		return fmt.Errorf("%w: unreadable tombstone set", ErrCorruptSnapshot)
	}

	ix.graph = graph
	ix.ids = payload.IDs
	ix.tombstones = tombstones

	ix.logger.Info("index snapshot loaded",
		zap.String("path", ix.opts.Path),
		zap.Int("nodes", graph.Len()),
		zap.Int("live", ix.countLocked()),
	)
	return nil
}

func writeArtifact(path string, count uint64, payload any) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	header := snapshotHeader{Magic: snapshotMagic, Version: snapshotVersion, Count: count}
	if err := binary.Write(f, binary.LittleEndian, &header); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(payload); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		f = nil
		return err
	}
	f = nil

	return os.Rename(tmp, path)
}

func readArtifact(path string, payload any) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, path, err)
	}
	defer f.Close()

	var header snapshotHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return 0, fmt.Errorf("%w: %s: short header", ErrCorruptSnapshot, path)
	}
	if header.Magic != snapshotMagic {
		return 0, fmt.Errorf("%w: %s: bad magic 0x%08x", ErrCorruptSnapshot, path, header.Magic)
	}
	if header.Version != snapshotVersion {
		return 0, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptSnapshot, path, header.Version)
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, path, err)
	}
	defer zr.Close()

	if err := gob.NewDecoder(zr).Decode(payload); err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, path, err)
	}

	return header.Count, nil
}

func roaringFromBytes(b []byte) *roaring.Bitmap {
	bm := roaring.New()
	if len(b) == 0 {
		return bm
	}
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil
	}
	return bm
}

// Compile-time check: the graph must stay gob-serializable for snapshots.
var _ gob.GobEncoder = (*hnsw.HNSW)(nil)
