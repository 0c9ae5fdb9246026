package memstore

import (
	"encoding/binary"
	"fmt"

	"github.com/genomewalker/memstore/internal/vfs"
)

const (
	connMagic          = "CONP"
	connVersion        = uint32(1)
	connHeaderSize     = 64
	connChecksumSpan   = 40
	connInitialSize    = 4 << 20 // 4 MiB
	connGrowthFactor   = 2.0
	connDefaultCeiling = 128 << 30 // 128 GiB

	connRecordHeaderSize = 8  // slot_id(4) + level_count(1) + flags(1) + reserved(2)
	connLevelPrefixSize  = 2  // edge_count(u16)
	connEdgeSize         = 8  // target_slot(u32) + distance(f32)
	freeBlockHeaderSize  = 16 // next_offset(u64) + size(u32) + reserved(u32)

	connFlagDeleted = uint8(1)
)

type connEdge struct {
	Target   uint32
	Distance float32
}

// connHeader is the 64-byte header of a connection pool file.
type connHeader struct {
	Magic     [4]byte
	Version   uint32
	Total     uint64
	Used      uint64
	NodeCount uint64
	FreeHead  uint64 // 0 means empty list; real offsets are always > header size
	Checksum  uint32
}

func encodeConnHeader(h connHeader) [connHeaderSize]byte {
	var buf [connHeaderSize]byte
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Total)
	binary.LittleEndian.PutUint64(buf[16:24], h.Used)
	binary.LittleEndian.PutUint64(buf[24:32], h.NodeCount)
	binary.LittleEndian.PutUint64(buf[32:40], h.FreeHead)
	binary.LittleEndian.PutUint32(buf[40:44], crc32Span(buf[:], connChecksumSpan))

	return buf
}

func crc32Span(buf []byte, span int) uint32 {
	return crcSum(buf[0:span])
}

func decodeConnHeader(buf []byte) (connHeader, error) {
	var h connHeader

	if len(buf) < connHeaderSize {
		return h, fmt.Errorf("connection pool header truncated: %w", ErrCorruptHeader)
	}

	copy(h.Magic[:], buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Total = binary.LittleEndian.Uint64(buf[8:16])
	h.Used = binary.LittleEndian.Uint64(buf[16:24])
	h.NodeCount = binary.LittleEndian.Uint64(buf[24:32])
	h.FreeHead = binary.LittleEndian.Uint64(buf[32:40])
	h.Checksum = binary.LittleEndian.Uint32(buf[40:44])

	if string(h.Magic[:]) != connMagic {
		return h, fmt.Errorf("connection pool magic mismatch: %w", ErrIncompatible)
	}

	if h.Version != connVersion {
		return h, fmt.Errorf("connection pool version %d unsupported: %w", h.Version, ErrIncompatible)
	}

	if crc32Span(buf, connChecksumSpan) != h.Checksum {
		return h, fmt.Errorf("connection pool header checksum mismatch: %w", ErrCorruptHeader)
	}

	return h, nil
}

// connectionPool stores variable-length per-slot adjacency records so
// the proximity graph persists without any serialize/deserialize pass
// at open/close — the mapped bytes already are the graph.
type connectionPool struct {
	region *region
	header connHeader
}

func createConnectionPool(fsys vfs.FS, path string) (*connectionPool, error) {
	r, err := createRegion(fsys, path, connInitialSize)
	if err != nil {
		return nil, err
	}

	h := connHeader{
		Magic:   [4]byte{'C', 'O', 'N', 'P'},
		Version: connVersion,
		Total:   connInitialSize,
		Used:    connHeaderSize,
	}

	buf := encodeConnHeader(h)
	copy(r.Bytes()[0:connHeaderSize], buf[:])

	if err := r.Sync(); err != nil {
		r.Close()
		return nil, err
	}

	return &connectionPool{region: r, header: h}, nil
}

func openConnectionPool(fsys vfs.FS, path string) (*connectionPool, error) {
	r, err := openRegion(fsys, path)
	if err != nil {
		return nil, err
	}

	h, err := decodeConnHeader(r.Bytes())
	if err != nil {
		r.Close()
		return nil, err
	}

	return &connectionPool{region: r, header: h}, nil
}

func (p *connectionPool) flushHeader() {
	buf := encodeConnHeader(p.header)
	copy(p.region.Bytes()[0:connHeaderSize], buf[:])
}

func (p *connectionPool) Close() error {
	p.flushHeader()

	if err := p.region.Sync(); err != nil {
		return err
	}

	return p.region.Close()
}

func (p *connectionPool) Sync() error {
	p.flushHeader()
	return p.region.Sync()
}

func recordSize(levels [][]connEdge) uint64 {
	size := uint64(connRecordHeaderSize)

	for _, level := range levels {
		size += connLevelPrefixSize + uint64(len(level))*connEdgeSize
	}

	return size
}

// Allocate writes a brand-new record for slotID with the given
// per-level edge lists, choosing a best-fit free block first and
// falling back to an append-and-grow, and returns its offset.
func (p *connectionPool) Allocate(slotID uint32, levels [][]connEdge) (uint64, error) {
	offset, err := p.placeRecord(slotID, levels)
	if err != nil {
		return 0, err
	}

	p.header.NodeCount++
	p.flushHeader()

	return offset, nil
}

// placeRecord does the actual best-fit-or-append placement and write,
// without touching NodeCount — shared by Allocate (a genuinely new
// node) and AddConnection (a replacement record for an existing node).
func (p *connectionPool) placeRecord(slotID uint32, levels [][]connEdge) (uint64, error) {
	need := recordSize(levels)

	offset, err := p.findFreeBlock(need)
	if err != nil {
		return 0, err
	}

	if offset == 0 {
		offset, err = p.appendBlock(need)
		if err != nil {
			return 0, err
		}
	}

	p.writeRecord(offset, slotID, levels)

	return offset, nil
}

// findFreeBlock walks the free list for the smallest block that still
// fits need, splitting the residue when it is large enough to host
// another free block plus a little slack. Returns offset 0 if no block
// in the list fits.
func (p *connectionPool) findFreeBlock(need uint64) (uint64, error) {
	buf := p.region.Bytes()

	var prevOffset uint64
	cur := p.header.FreeHead

	var bestOffset, bestSize, bestPrev uint64
	found := false

	for cur != 0 {
		next := binary.LittleEndian.Uint64(buf[cur : cur+8])
		size := uint64(binary.LittleEndian.Uint32(buf[cur+8 : cur+12]))

		if size >= need && (!found || size < bestSize) {
			bestOffset = cur
			bestSize = size
			bestPrev = prevOffset
			found = true
		}

		prevOffset = cur
		cur = next
	}

	if !found {
		return 0, nil
	}

	p.unlinkFreeBlock(bestPrev, bestOffset)

	if bestSize >= need+freeBlockHeaderSize+64 {
		remainderOffset := bestOffset + need
		remainderSize := bestSize - need

		binary.LittleEndian.PutUint32(buf[bestOffset+8:bestOffset+12], uint32(need))
		p.pushFreeBlock(remainderOffset, uint32(remainderSize))
	}

	return bestOffset, nil
}

func (p *connectionPool) unlinkFreeBlock(prevOffset, offset uint64) {
	buf := p.region.Bytes()
	next := binary.LittleEndian.Uint64(buf[offset : offset+8])

	if prevOffset == 0 {
		p.header.FreeHead = next
		return
	}

	binary.LittleEndian.PutUint64(buf[prevOffset:prevOffset+8], next)
}

func (p *connectionPool) pushFreeBlock(offset uint64, size uint32) {
	buf := p.region.Bytes()

	binary.LittleEndian.PutUint64(buf[offset:offset+8], p.header.FreeHead)
	binary.LittleEndian.PutUint32(buf[offset+8:offset+12], size)
	binary.LittleEndian.PutUint32(buf[offset+12:offset+16], 0)

	p.header.FreeHead = offset
}

func (p *connectionPool) appendBlock(need uint64) (uint64, error) {
	if p.header.Used+need > p.header.Total {
		if err := p.grow(p.header.Used + need); err != nil {
			return 0, err
		}
	}

	offset := p.header.Used
	p.header.Used += need

	return offset, nil
}

func (p *connectionPool) grow(minSize uint64) error {
	newTotal := uint64(float64(p.header.Total) * connGrowthFactor)
	if newTotal < minSize {
		newTotal = minSize
	}

	if newTotal > connDefaultCeiling {
		return fmt.Errorf("connection pool grow to %d exceeds ceiling %d: %w", newTotal, connDefaultCeiling, ErrCapacityExceeded)
	}

	if err := p.region.Grow(int64(newTotal)); err != nil {
		return fmt.Errorf("grow connection pool: %w", err)
	}

	p.header.Total = newTotal

	return nil
}

func (p *connectionPool) writeRecord(offset uint64, slotID uint32, levels [][]connEdge) {
	buf := p.region.Bytes()

	binary.LittleEndian.PutUint32(buf[offset:offset+4], slotID)
	buf[offset+4] = uint8(len(levels))
	buf[offset+5] = 0 // flags
	binary.LittleEndian.PutUint16(buf[offset+6:offset+8], 0)

	pos := offset + connRecordHeaderSize

	for _, level := range levels {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], uint16(len(level)))
		pos += connLevelPrefixSize

		for _, e := range level {
			binary.LittleEndian.PutUint32(buf[pos:pos+4], e.Target)
			binary.LittleEndian.PutUint32(buf[pos+4:pos+8], float32bits(e.Distance))
			pos += connEdgeSize
		}
	}
}

// Read returns the full record at offset: its owning slot id and its
// per-level edge lists. Returns an error if the record is marked
// deleted.
func (p *connectionPool) Read(offset uint64) (uint32, [][]connEdge, error) {
	buf := p.region.Bytes()

	slotID := binary.LittleEndian.Uint32(buf[offset : offset+4])
	levelCount := buf[offset+4]
	flags := buf[offset+5]

	if flags&connFlagDeleted != 0 {
		return 0, nil, fmt.Errorf("connection record at %d is deleted: %w", offset, ErrNotFound)
	}

	levels := make([][]connEdge, levelCount)
	pos := offset + connRecordHeaderSize

	for lvl := 0; lvl < int(levelCount); lvl++ {
		count := binary.LittleEndian.Uint16(buf[pos : pos+2])
		pos += connLevelPrefixSize

		edges := make([]connEdge, count)
		for i := 0; i < int(count); i++ {
			edges[i] = connEdge{
				Target:   binary.LittleEndian.Uint32(buf[pos : pos+4]),
				Distance: float32frombits(binary.LittleEndian.Uint32(buf[pos+4 : pos+8])),
			}
			pos += connEdgeSize
		}

		levels[lvl] = edges
	}

	return slotID, levels, nil
}

// ReadLevel returns just one level's edges, skipping over prior levels
// by their running counts — O(sum of prior edge counts), which is how
// graph search pulls a single layer's neighbor list without decoding
// the whole record.
func (p *connectionPool) ReadLevel(offset uint64, level int) ([]connEdge, error) {
	buf := p.region.Bytes()

	levelCount := buf[offset+4]
	flags := buf[offset+5]

	if flags&connFlagDeleted != 0 {
		return nil, fmt.Errorf("connection record at %d is deleted: %w", offset, ErrNotFound)
	}

	if level >= int(levelCount) {
		return nil, nil
	}

	pos := offset + connRecordHeaderSize

	for lvl := 0; lvl < level; lvl++ {
		count := binary.LittleEndian.Uint16(buf[pos : pos+2])
		pos += connLevelPrefixSize + uint64(count)*connEdgeSize
	}

	count := binary.LittleEndian.Uint16(buf[pos : pos+2])
	pos += connLevelPrefixSize

	edges := make([]connEdge, count)
	for i := 0; i < int(count); i++ {
		edges[i] = connEdge{
			Target:   binary.LittleEndian.Uint32(buf[pos : pos+4]),
			Distance: float32frombits(binary.LittleEndian.Uint32(buf[pos+4 : pos+8])),
		}
		pos += connEdgeSize
	}

	return edges, nil
}

// Remove marks the record at offset deleted. The block is not linked
// into the free list here — doing so would overwrite the header we
// just used to mark it deleted; reclamation is left to a future
// compaction pass, matching the design's accepted bloat tradeoff.
func (p *connectionPool) Remove(offset uint64) {
	buf := p.region.Bytes()
	buf[offset+5] |= connFlagDeleted
}

// ReplaceRecord marks the record at offset deleted and allocates a
// fresh one for slotID with the given levels, without touching
// NodeCount — used when a neighbor's adjacency list is pruned after a
// reverse-edge insertion.
func (p *connectionPool) ReplaceRecord(offset uint64, slotID uint32, levels [][]connEdge) (uint64, error) {
	p.Remove(offset)

	newOffset, err := p.placeRecord(slotID, levels)
	if err != nil {
		return 0, err
	}

	p.flushHeader()

	return newOffset, nil
}

// AddConnection reads the record at offset, appends edge to the given
// level, marks the old record deleted, and allocates a fresh record
// with the mutated levels. Callers must update the owning slot's
// connection offset to the returned value.
func (p *connectionPool) AddConnection(offset uint64, level int, edge connEdge) (uint64, error) {
	slotID, levels, err := p.Read(offset)
	if err != nil {
		return 0, err
	}

	for level >= len(levels) {
		levels = append(levels, nil)
	}

	levels[level] = append(levels[level], edge)

	p.Remove(offset)

	newOffset, err := p.placeRecord(slotID, levels)
	if err != nil {
		return 0, err
	}

	p.flushHeader()

	return newOffset, nil
}
