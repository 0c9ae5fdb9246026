package memstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/genomewalker/memstore/internal/vfs"
)

const (
	blobMagic         = "BLOB"
	blobVersion       = uint32(1)
	blobHeaderSize    = 64
	blobInitialSize   = 16 << 20  // 16 MiB
	blobGrowUnit      = 16 << 20  // grow rounds up to a 16 MiB boundary
	blobDefaultCeil   = 256 << 30 // 256 GiB
	blobRecordPrefix  = 4         // u32 size prefix per record
	blobChecksumSpan  = 32        // bytes of the header covered by the CRC
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// blobHeader is the 64-byte header of a blob store file.
type blobHeader struct {
	Magic     [4]byte
	Version   uint32
	Total     uint64
	Used      uint64
	Count     uint64
	Checksum  uint32
}

func encodeBlobHeader(h blobHeader) [blobHeaderSize]byte {
	var buf [blobHeaderSize]byte
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Total)
	binary.LittleEndian.PutUint64(buf[16:24], h.Used)
	binary.LittleEndian.PutUint64(buf[24:32], h.Count)
	binary.LittleEndian.PutUint32(buf[32:36], crc32.Checksum(buf[0:blobChecksumSpan], crcTable))

	return buf
}

func decodeBlobHeader(buf []byte) (blobHeader, error) {
	var h blobHeader

	if len(buf) < blobHeaderSize {
		return h, fmt.Errorf("blob header truncated: %w", ErrCorruptHeader)
	}

	copy(h.Magic[:], buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Total = binary.LittleEndian.Uint64(buf[8:16])
	h.Used = binary.LittleEndian.Uint64(buf[16:24])
	h.Count = binary.LittleEndian.Uint64(buf[24:32])
	h.Checksum = binary.LittleEndian.Uint32(buf[32:36])

	if string(h.Magic[:]) != blobMagic {
		return h, fmt.Errorf("blob store magic mismatch: %w", ErrIncompatible)
	}

	if h.Version != blobVersion {
		return h, fmt.Errorf("blob store version %d unsupported: %w", h.Version, ErrIncompatible)
	}

	want := crc32.Checksum(buf[0:blobChecksumSpan], crcTable)
	if want != h.Checksum {
		return h, fmt.Errorf("blob store header checksum mismatch: %w", ErrCorruptHeader)
	}

	return h, nil
}

// blobStore is an append-only collection of variable-length byte
// records, addressed by their offset within the file. Offset 0 is
// reserved to mean "no data" so a zero-valued offset field elsewhere
// (e.g. NodeMeta.PayloadOffset) unambiguously means "absent".
type blobStore struct {
	region *region
	header blobHeader
}

func createBlobStore(fsys vfs.FS, path string) (*blobStore, error) {
	r, err := createRegion(fsys, path, blobInitialSize)
	if err != nil {
		return nil, err
	}

	h := blobHeader{
		Magic:   [4]byte{'B', 'L', 'O', 'B'},
		Version: blobVersion,
		Total:   blobInitialSize,
		Used:    blobHeaderSize,
		Count:   0,
	}

	buf := encodeBlobHeader(h)
	copy(r.Bytes()[0:blobHeaderSize], buf[:])

	if err := r.Sync(); err != nil {
		r.Close()
		return nil, err
	}

	return &blobStore{region: r, header: h}, nil
}

func openBlobStore(fsys vfs.FS, path string) (*blobStore, error) {
	r, err := openRegion(fsys, path)
	if err != nil {
		return nil, err
	}

	h, err := decodeBlobHeader(r.Bytes())
	if err != nil {
		r.Close()
		return nil, err
	}

	if int(h.Total) > r.Len() {
		r.Close()
		return nil, fmt.Errorf("blob store file shorter than its own header.total: %w", ErrCorruptHeader)
	}

	return &blobStore{region: r, header: h}, nil
}

func (b *blobStore) flushHeader() error {
	buf := encodeBlobHeader(b.header)
	copy(b.region.Bytes()[0:blobHeaderSize], buf[:])

	return nil
}

func (b *blobStore) Close() error {
	if err := b.flushHeader(); err != nil {
		return err
	}

	if err := b.region.Sync(); err != nil {
		return err
	}

	return b.region.Close()
}

func (b *blobStore) Sync() error {
	if err := b.flushHeader(); err != nil {
		return err
	}

	return b.region.Sync()
}

// Store appends bytes as a new record and returns its offset, growing
// the underlying mapping first if needed. The returned offset is never
// 0 (the header occupies offset 0..63).
func (b *blobStore) Store(data []byte) (uint64, error) {
	need := uint64(blobRecordPrefix + len(data))

	if b.header.Used+need > b.header.Total {
		if err := b.grow(b.header.Used + need); err != nil {
			return 0, err
		}
	}

	offset := b.header.Used
	buf := b.region.Bytes()

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(data)))
	copy(buf[offset+4:offset+4+uint64(len(data))], data)

	b.header.Used += need
	b.header.Count++

	if err := b.flushHeader(); err != nil {
		return 0, err
	}

	return offset, nil
}

// grow extends the mapping by at least 1.5x, rounded up to a 16 MiB
// boundary, capped at blobDefaultCeil.
func (b *blobStore) grow(minSize uint64) error {
	newTotal := b.header.Total + b.header.Total/2
	if newTotal < minSize {
		newTotal = minSize
	}

	newTotal = ((newTotal + blobGrowUnit - 1) / blobGrowUnit) * blobGrowUnit

	if newTotal > blobDefaultCeil {
		return fmt.Errorf("blob store grow to %d exceeds ceiling %d: %w", newTotal, blobDefaultCeil, ErrCapacityExceeded)
	}

	if err := b.region.Grow(int64(newTotal)); err != nil {
		return fmt.Errorf("grow blob store: %w", err)
	}

	b.header.Total = newTotal

	return nil
}

// Read returns a copy of the record at offset, or an empty slice if the
// size prefix would extend past Used (treated as corruption, never a
// fault: see spec error-handling policy for blob tail corruption).
func (b *blobStore) Read(offset uint64) []byte {
	if offset == 0 || offset+blobRecordPrefix > b.header.Used {
		return nil
	}

	buf := b.region.Bytes()
	size := uint64(binary.LittleEndian.Uint32(buf[offset : offset+4]))

	if offset+blobRecordPrefix+size > b.header.Used {
		return nil
	}

	out := make([]byte, size)
	copy(out, buf[offset+4:offset+4+size])

	return out
}

// SizeAt returns the record's size without copying its bytes, 0 if out
// of range.
func (b *blobStore) SizeAt(offset uint64) uint32 {
	if offset == 0 || offset+blobRecordPrefix > b.header.Used {
		return 0
	}

	buf := b.region.Bytes()
	size := binary.LittleEndian.Uint32(buf[offset : offset+4])

	if offset+blobRecordPrefix+uint64(size) > b.header.Used {
		return 0
	}

	return size
}
