package memstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/internal/storelog"
	"github.com/genomewalker/memstore/internal/vfs"
)

const (
	indexMagic      = "UIDX"
	indexVersion    = uint32(1)
	indexHeaderSize = 4096
	indexNodeSize   = 64

	indexNodeFlagDeleted = uint8(1)

	// noEntryPoint is the sentinel stored in entry_point_slot while the
	// store holds no live nodes.
	noEntryPoint = ^uint32(0)

	// defaultIndexCeiling bounds how large the per-slot arrays may grow;
	// an implementation-defined ceiling, per spec §4.2's analogous
	// "implementation-defined maximum" for the blob store.
	defaultIndexCeiling = 64_000_000
)

// indexHeader is the 4 KiB, page-aligned header of the .unified file.
type indexHeader struct {
	NodeCount           uint64
	Capacity            uint64
	DeletedCount        uint64
	EntryPointSlot      uint32
	MaxLevel            uint32
	GraphM              uint32
	GraphEfConstruction uint32
	SnapshotID          uint64
	WalSequence         uint64
}

const indexHeaderChecksumSpan = 4 + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 8 + 8 // magic+version+fields up to wal_sequence

func encodeIndexHeader(h indexHeader) [indexHeaderSize]byte {
	var buf [indexHeaderSize]byte

	copy(buf[0:4], indexMagic)
	binary.LittleEndian.PutUint32(buf[4:8], indexVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.NodeCount)
	binary.LittleEndian.PutUint64(buf[16:24], h.Capacity)
	binary.LittleEndian.PutUint64(buf[24:32], h.DeletedCount)
	binary.LittleEndian.PutUint32(buf[32:36], h.EntryPointSlot)
	binary.LittleEndian.PutUint32(buf[36:40], h.MaxLevel)
	binary.LittleEndian.PutUint32(buf[40:44], h.GraphM)
	binary.LittleEndian.PutUint32(buf[44:48], h.GraphEfConstruction)
	binary.LittleEndian.PutUint64(buf[48:56], h.SnapshotID)
	binary.LittleEndian.PutUint64(buf[56:64], h.WalSequence)
	binary.LittleEndian.PutUint32(buf[64:68], crcSum(buf[0:64]))

	return buf
}

func decodeIndexHeader(buf []byte) (indexHeader, error) {
	var h indexHeader

	if len(buf) < indexHeaderSize {
		return h, fmt.Errorf("index header truncated: %w", ErrCorruptHeader)
	}

	if string(buf[0:4]) != indexMagic {
		return h, fmt.Errorf("index magic mismatch: %w", ErrIncompatible)
	}

	if binary.LittleEndian.Uint32(buf[4:8]) != indexVersion {
		return h, fmt.Errorf("index version unsupported: %w", ErrIncompatible)
	}

	if crcSum(buf[0:64]) != binary.LittleEndian.Uint32(buf[64:68]) {
		return h, fmt.Errorf("index header checksum mismatch: %w", ErrCorruptHeader)
	}

	h.NodeCount = binary.LittleEndian.Uint64(buf[8:16])
	h.Capacity = binary.LittleEndian.Uint64(buf[16:24])
	h.DeletedCount = binary.LittleEndian.Uint64(buf[24:32])
	h.EntryPointSlot = binary.LittleEndian.Uint32(buf[32:36])
	h.MaxLevel = binary.LittleEndian.Uint32(buf[36:40])
	h.GraphM = binary.LittleEndian.Uint32(buf[40:44])
	h.GraphEfConstruction = binary.LittleEndian.Uint32(buf[44:48])
	h.SnapshotID = binary.LittleEndian.Uint64(buf[48:56])
	h.WalSequence = binary.LittleEndian.Uint64(buf[56:64])

	return h, nil
}

// indexedNode is one 64-byte slot record in the .unified file.
type indexedNode struct {
	ID               NodeID
	ConnectionOffset uint64
	LocalityKey      uint64
	Level            uint8
	Flags            uint8
}

func encodeIndexedNode(buf []byte, n indexedNode) {
	copy(buf[0:16], n.ID[:])
	binary.LittleEndian.PutUint64(buf[16:24], n.ConnectionOffset)
	binary.LittleEndian.PutUint64(buf[24:32], n.LocalityKey)
	buf[32] = n.Level
	buf[33] = n.Flags
}

func decodeIndexedNode(buf []byte) indexedNode {
	var n indexedNode

	copy(n.ID[:], buf[0:16])
	n.ConnectionOffset = binary.LittleEndian.Uint64(buf[16:24])
	n.LocalityKey = binary.LittleEndian.Uint64(buf[24:32])
	n.Level = buf[32]
	n.Flags = buf[33]

	return n
}

// unifiedIndex is the central component: the slot array plus its three
// sibling dense arrays, the connection pool, the two blob stores, and
// the tag index, all addressed by the same slot id.
type unifiedIndex struct {
	mu sync.RWMutex

	fsys vfs.FS
	base string
	cfg  storeconfig.Config

	slots   *region // .unified: header + IndexedNode[capacity]
	vectors *region // .vectors: QuantizedVector[capacity]
	binvecs *region // .binary: BinaryVector[capacity]
	meta    *region // .meta: NodeMeta[capacity]

	conns    *connectionPool
	payloads *blobStore
	edges    *blobStore
	tags     *tagIndex
	tagsPath string

	header   indexHeader
	idToSlot map[NodeID]uint32
	nextSlot uint32
}

func suffix(base, s string) string { return base + s }

// createUnifiedIndex creates the full set of sibling files for a new
// store at base, sized for cfg.InitialCapacity slots.
func createUnifiedIndex(fsys vfs.FS, base string, cfg storeconfig.Config) (*unifiedIndex, error) {
	capacity := uint64(cfg.InitialCapacity)

	slots, err := createRegion(fsys, suffix(base, ".unified"), int64(indexHeaderSize+capacity*indexNodeSize))
	if err != nil {
		return nil, err
	}

	vectors, err := createRegion(fsys, suffix(base, ".vectors"), int64(capacity*QuantizedVectorSize))
	if err != nil {
		slots.Close()
		return nil, err
	}

	binvecs, err := createRegion(fsys, suffix(base, ".binary"), int64(capacity*BinaryVectorSize))
	if err != nil {
		slots.Close()
		vectors.Close()
		return nil, err
	}

	meta, err := createRegion(fsys, suffix(base, ".meta"), int64(capacity*NodeMetaSize))
	if err != nil {
		slots.Close()
		vectors.Close()
		binvecs.Close()
		return nil, err
	}

	conns, err := createConnectionPool(fsys, suffix(base, ".connections"))
	if err != nil {
		slots.Close()
		vectors.Close()
		binvecs.Close()
		meta.Close()
		return nil, err
	}

	payloads, err := createBlobStore(fsys, suffix(base, ".payloads"))
	if err != nil {
		slots.Close()
		vectors.Close()
		binvecs.Close()
		meta.Close()
		conns.Close()
		return nil, err
	}

	edges, err := createBlobStore(fsys, suffix(base, ".edges"))
	if err != nil {
		slots.Close()
		vectors.Close()
		binvecs.Close()
		meta.Close()
		conns.Close()
		payloads.Close()
		return nil, err
	}

	header := indexHeader{
		Capacity:            capacity,
		EntryPointSlot:      noEntryPoint,
		MaxLevel:            0, // current graph max level; rises as higher-level nodes are inserted
		GraphM:              cfg.GraphM,
		GraphEfConstruction: cfg.GraphEfConstruction,
	}

	buf := encodeIndexHeader(header)
	copy(slots.Bytes()[0:indexHeaderSize], buf[:])

	if err := slots.Sync(); err != nil {
		slots.Close()
		vectors.Close()
		binvecs.Close()
		meta.Close()
		conns.Close()
		payloads.Close()
		edges.Close()

		return nil, err
	}

	idx := &unifiedIndex{
		fsys:     fsys,
		base:     base,
		cfg:      cfg,
		slots:    slots,
		vectors:  vectors,
		binvecs:  binvecs,
		meta:     meta,
		conns:    conns,
		payloads: payloads,
		edges:    edges,
		tags:     newTagIndex(),
		tagsPath: suffix(base, ".tags"),
		header:   header,
		idToSlot: make(map[NodeID]uint32),
	}

	if err := idx.flushTags(); err != nil {
		idx.Close()
		return nil, err
	}

	return idx, nil
}

// openUnifiedIndex opens an existing store, rebuilding id_to_slot from
// the canonical .meta array and self-repairing capacity if it lags
// behind what node_count+deleted_count implies a prior process wrote.
func openUnifiedIndex(fsys vfs.FS, base string, cfg storeconfig.Config) (*unifiedIndex, error) {
	slots, err := openRegion(fsys, suffix(base, ".unified"))
	if err != nil {
		return nil, err
	}

	header, err := decodeIndexHeader(slots.Bytes())
	if err != nil {
		slots.Close()
		return nil, err
	}

	vectors, err := openRegion(fsys, suffix(base, ".vectors"))
	if err != nil {
		slots.Close()
		return nil, err
	}

	binvecs, binErr := openRegion(fsys, suffix(base, ".binary"))
	recreateBinary := binErr != nil

	meta, err := openRegion(fsys, suffix(base, ".meta"))
	if err != nil {
		slots.Close()
		vectors.Close()
		if binvecs != nil {
			binvecs.Close()
		}
		return nil, err
	}

	conns, err := openConnectionPool(fsys, suffix(base, ".connections"))
	if err != nil {
		slots.Close()
		vectors.Close()
		if binvecs != nil {
			binvecs.Close()
		}
		meta.Close()
		return nil, err
	}

	payloads, err := openBlobStore(fsys, suffix(base, ".payloads"))
	if err != nil {
		slots.Close()
		vectors.Close()
		if binvecs != nil {
			binvecs.Close()
		}
		meta.Close()
		conns.Close()
		return nil, err
	}

	edges, err := openBlobStore(fsys, suffix(base, ".edges"))
	if err != nil {
		slots.Close()
		vectors.Close()
		if binvecs != nil {
			binvecs.Close()
		}
		meta.Close()
		conns.Close()
		payloads.Close()
		return nil, err
	}

	idx := &unifiedIndex{
		fsys:     fsys,
		base:     base,
		cfg:      cfg,
		slots:    slots,
		vectors:  vectors,
		binvecs:  binvecs,
		meta:     meta,
		conns:    conns,
		payloads: payloads,
		edges:    edges,
		tagsPath: suffix(base, ".tags"),
		header:   header,
		idToSlot: make(map[NodeID]uint32),
	}

	if tagBytes, err := fsys.ReadFile(idx.tagsPath); err == nil {
		tags, decErr := decodeTagIndex(tagBytes)
		if decErr != nil {
			idx.Close()
			return nil, decErr
		}

		idx.tags = tags
	} else {
		idx.tags = newTagIndex()
	}

	if err := idx.rebuildSlotMap(); err != nil {
		idx.Close()
		return nil, err
	}

	if header.Capacity < uint64(header.NodeCount+header.DeletedCount) {
		storelog.Warn(base, "stored capacity behind used slots; self-repairing",
			"capacity", header.Capacity, "used", header.NodeCount+header.DeletedCount)

		target := 2 * (header.NodeCount + header.DeletedCount)
		if target < uint64(cfg.InitialCapacity) {
			target = uint64(cfg.InitialCapacity)
		}

		if err := idx.growTo(target); err != nil {
			idx.Close()
			return nil, err
		}
	}

	if recreateBinary {
		storelog.Warn(base, "binary vector file missing; recreating from quantized array")

		if err := idx.recreateBinaryVectors(); err != nil {
			idx.Close()
			return nil, err
		}
	}

	return idx, nil
}

func (idx *unifiedIndex) recreateBinaryVectors() error {
	bv, err := createRegion(idx.fsys, suffix(idx.base, ".binary"), int64(idx.header.Capacity*BinaryVectorSize))
	if err != nil {
		return err
	}

	for slot := uint32(0); slot < uint32(idx.nextSlot); slot++ {
		q := decodeQuantizedVector(idx.vectorBytes(slot))
		encodeBinaryVector(bv.Bytes()[slot*BinaryVectorSize:], BinaryFromQuantized(q))
	}

	if err := bv.Sync(); err != nil {
		bv.Close()
		return err
	}

	idx.binvecs = bv

	return nil
}

func (idx *unifiedIndex) rebuildSlotMap() error {
	var maxSlot uint32

	for slot := uint64(0); slot < idx.header.Capacity; slot++ {
		m := decodeNodeMeta(idx.metaBytes(uint32(slot)))
		if m.ID.IsZero() {
			continue
		}

		if uint32(slot)+1 > maxSlot {
			maxSlot = uint32(slot) + 1
		}

		n := idx.node(uint32(slot))
		if n.Flags&indexNodeFlagDeleted != 0 {
			continue
		}

		idx.idToSlot[m.ID] = uint32(slot)
	}

	idx.nextSlot = maxSlot

	return nil
}

func (idx *unifiedIndex) flushHeader() {
	buf := encodeIndexHeader(idx.header)
	copy(idx.slots.Bytes()[0:indexHeaderSize], buf[:])
}

// commitWalSequence advances the header's wal_sequence to walSeq if it
// is higher, and flushes the header. Callers must already hold idx.mu:
// two concurrent mutations whose WAL entries were assigned sequences 5
// and 6 can reach this call in either order, and the guard ensures the
// one logged earlier can never clobber a later sequence that committed
// first.
func (idx *unifiedIndex) commitWalSequence(walSeq uint64) {
	if walSeq > idx.header.WalSequence {
		idx.header.WalSequence = walSeq
		idx.flushHeader()
	}
}

// advanceWalSequence is commitWalSequence for callers that are not
// already holding idx.mu, such as recover()'s replay of WAL entries
// that never call Insert/Update/Remove (a checkpoint marker, or an
// Insert already durably applied before a crash).
func (idx *unifiedIndex) advanceWalSequence(seq uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.commitWalSequence(seq)
}

// scanForLiveEntryPoint scans every occupied slot for a live node,
// preferring the one at the highest level (ties broken by the lowest
// slot id, for determinism) — used to promote a fresh entry point when
// the current one is removed or found to be dead.
func (idx *unifiedIndex) scanForLiveEntryPoint() (slot uint32, level uint32, found bool) {
	for s := uint32(0); s < idx.nextSlot; s++ {
		if !idx.isLive(s) {
			continue
		}

		l := uint32(idx.node(s).Level)
		if !found || l > level {
			slot, level, found = s, l, true
		}
	}

	return slot, level, found
}

// resolveEntryPoint returns the index's current entry point if it is
// still live, otherwise scans for a replacement without mutating the
// header — used by search paths that only hold a read lock, where
// self-healing the header would race a concurrent reader doing the
// same thing.
func (idx *unifiedIndex) resolveEntryPoint() (slot uint32, level uint32, ok bool) {
	s := idx.header.EntryPointSlot
	if s != noEntryPoint && idx.isLive(s) {
		return s, idx.header.MaxLevel, true
	}

	return idx.scanForLiveEntryPoint()
}

func (idx *unifiedIndex) flushTags() error {
	return idx.fsys.WriteFileAtomic(idx.tagsPath, idx.tags.encode(), 0o644)
}

// Close flushes every child component then unmaps them.
func (idx *unifiedIndex) Close() error {
	idx.flushHeader()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(idx.flushTags())
	record(idx.slots.Close())
	record(idx.vectors.Close())

	if idx.binvecs != nil {
		record(idx.binvecs.Close())
	}

	record(idx.meta.Close())
	record(idx.conns.Close())
	record(idx.payloads.Close())
	record(idx.edges.Close())

	return firstErr
}

// Sync flushes every child component without closing them.
func (idx *unifiedIndex) Sync() error {
	idx.flushHeader()

	if err := idx.flushTags(); err != nil {
		return err
	}

	for _, s := range []interface{ Sync() error }{idx.slots, idx.vectors, idx.binvecs, idx.meta, idx.conns, idx.payloads, idx.edges} {
		if s == nil {
			continue
		}

		if err := s.Sync(); err != nil {
			return err
		}
	}

	return nil
}

func (idx *unifiedIndex) node(slot uint32) indexedNode {
	off := indexHeaderSize + int(slot)*indexNodeSize
	return decodeIndexedNode(idx.slots.Bytes()[off:])
}

func (idx *unifiedIndex) setNode(slot uint32, n indexedNode) {
	off := indexHeaderSize + int(slot)*indexNodeSize
	encodeIndexedNode(idx.slots.Bytes()[off:], n)
}

func (idx *unifiedIndex) vectorBytes(slot uint32) []byte {
	off := int(slot) * QuantizedVectorSize
	return idx.vectors.Bytes()[off : off+QuantizedVectorSize]
}

func (idx *unifiedIndex) binaryBytes(slot uint32) []byte {
	off := int(slot) * BinaryVectorSize
	return idx.binvecs.Bytes()[off : off+BinaryVectorSize]
}

func (idx *unifiedIndex) metaBytes(slot uint32) []byte {
	off := int(slot) * NodeMetaSize
	return idx.meta.Bytes()[off : off+NodeMetaSize]
}

// growLockPath is the cross-process advisory lock serializing grow()
// calls across every process sharing this store.
func (idx *unifiedIndex) growLockPath() string {
	return suffix(idx.base, ".grow.lock")
}

// allocateSlot returns the next slot for a new node, growing the
// per-slot arrays first if capacity is exhausted.
func (idx *unifiedIndex) allocateSlot() (uint32, error) {
	if uint64(idx.nextSlot) >= idx.header.Capacity {
		newCap := idx.header.Capacity * 2
		if newCap == 0 {
			newCap = uint64(idx.cfg.InitialCapacity)
		}

		if err := idx.growTo(newCap); err != nil {
			return 0, err
		}
	}

	slot := idx.nextSlot
	idx.nextSlot++

	return slot, nil
}

// growTo implements the two-phase resize: extend each sibling file on
// disk, establish a new mapping, then move-assign it into place. A
// cross-process grow lock file guarantees only one process resizes the
// shared image at a time.
func (idx *unifiedIndex) growTo(newCapacity uint64) error {
	if newCapacity > defaultIndexCeiling {
		return fmt.Errorf("index grow to %d exceeds ceiling %d: %w", newCapacity, defaultIndexCeiling, ErrCapacityExceeded)
	}

	locker := idx.fsys.Locker()

	lock, err := locker.Lock(idx.growLockPath())
	if err != nil {
		return fmt.Errorf("acquire grow lock: %w", err)
	}
	defer lock.Close()

	if newCapacity <= idx.header.Capacity {
		return nil
	}

	if err := idx.slots.Grow(int64(indexHeaderSize + newCapacity*indexNodeSize)); err != nil {
		return fmt.Errorf("grow .unified: %w", err)
	}

	if err := idx.vectors.Grow(int64(newCapacity * QuantizedVectorSize)); err != nil {
		return fmt.Errorf("grow .vectors: %w", err)
	}

	if idx.binvecs != nil {
		if err := idx.binvecs.Grow(int64(newCapacity * BinaryVectorSize)); err != nil {
			return fmt.Errorf("grow .binary: %w", err)
		}
	}

	if err := idx.meta.Grow(int64(newCapacity * NodeMetaSize)); err != nil {
		return fmt.Errorf("grow .meta: %w", err)
	}

	idx.header.Capacity = newCapacity
	idx.flushHeader()

	if err := idx.slots.Sync(); err != nil {
		return err
	}

	return nil
}
