package memstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// tagIndex is an in-memory inverted index from tag text to the set of
// slots carrying that tag, persisted to a sibling file on Sync/Close.
// String interning keeps postings and the forward index working over
// dense integer tag ids rather than repeatedly hashing/comparing
// strings.
type tagIndex struct {
	mu sync.RWMutex

	tagToID map[string]uint32
	idToTag []string

	postings []*roaring.Bitmap // tag_id -> slots with that tag
	forward  map[uint32]map[uint32]struct{} // slot_id -> set of tag_id
}

func newTagIndex() *tagIndex {
	return &tagIndex{
		tagToID: make(map[string]uint32),
		forward: make(map[uint32]map[uint32]struct{}),
	}
}

func (t *tagIndex) intern(tag string) uint32 {
	if id, ok := t.tagToID[tag]; ok {
		return id
	}

	id := uint32(len(t.idToTag))
	t.idToTag = append(t.idToTag, tag)
	t.tagToID[tag] = id
	t.postings = append(t.postings, roaring.New())

	return id
}

func (t *tagIndex) resolve(id uint32) (string, bool) {
	if int(id) >= len(t.idToTag) {
		return "", false
	}

	return t.idToTag[id], true
}

// Add attaches tag to slot.
func (t *tagIndex) Add(slot uint32, tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.intern(tag)
	t.postings[id].Add(slot)

	set, ok := t.forward[slot]
	if !ok {
		set = make(map[uint32]struct{})
		t.forward[slot] = set
	}

	set[id] = struct{}{}
}

// Remove detaches tag from slot, a no-op if the pair was never added.
func (t *tagIndex) Remove(slot uint32, tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.tagToID[tag]
	if !ok {
		return
	}

	t.postings[id].Remove(slot)

	if set, ok := t.forward[slot]; ok {
		delete(set, id)

		if len(set) == 0 {
			delete(t.forward, slot)
		}
	}
}

// RemoveAll detaches every tag from slot — used when a slot is removed
// or fully re-tagged on update.
func (t *tagIndex) RemoveAll(slot uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.forward[slot]
	if !ok {
		return
	}

	for id := range set {
		t.postings[id].Remove(slot)
	}

	delete(t.forward, slot)
}

// SlotsWithTag returns the bitmap of slots carrying tag (empty if tag
// was never interned).
func (t *tagIndex) SlotsWithTag(tag string) *roaring.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.tagToID[tag]
	if !ok {
		return roaring.New()
	}

	return t.postings[id].Clone()
}

// FilterByTag intersects candidates with the slots carrying tag,
// preserving candidates' order.
func (t *tagIndex) FilterByTag(candidates []uint32, tag string) []uint32 {
	bm := t.SlotsWithTag(tag)

	out := make([]uint32, 0, len(candidates))
	for _, c := range candidates {
		if bm.Contains(c) {
			out = append(out, c)
		}
	}

	return out
}

// TagsForSlot returns the tag text attached to slot, in no defined
// order.
func (t *tagIndex) TagsForSlot(slot uint32) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set, ok := t.forward[slot]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(set))
	for id := range set {
		if tag, ok := t.resolve(id); ok {
			out = append(out, tag)
		}
	}

	return out
}

const (
	tagIndexMagic   = "TAGI"
	tagIndexVersion = uint32(1)
)

// encode serializes the whole tag index to bytes: a small header
// followed by the string table, then per-tag postings, then the
// forward index — all via encoding/binary rather than the raw
// struct-fwrite format the index was historically persisted with, so
// the layout is enforced by the codec instead of struct padding.
func (t *tagIndex) encode() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var body []byte

	body = appendUint32(body, uint32(len(t.idToTag)))
	for _, tag := range t.idToTag {
		body = appendUint32(body, uint32(len(tag)))
		body = append(body, tag...)
	}

	for _, bm := range t.postings {
		packed, _ := bm.ToBytes()
		body = appendUint32(body, uint32(len(packed)))
		body = append(body, packed...)
	}

	body = appendUint32(body, uint32(len(t.forward)))
	for slot, set := range t.forward {
		body = appendUint32(body, slot)
		body = appendUint32(body, uint32(len(set)))

		for id := range set {
			body = appendUint32(body, id)
		}
	}

	header := make([]byte, 32)
	copy(header[0:4], tagIndexMagic)
	binary.LittleEndian.PutUint32(header[4:8], tagIndexVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[12:16], crcSum(body))

	return append(header, body...)
}

func decodeTagIndex(buf []byte) (*tagIndex, error) {
	if len(buf) < 32 {
		return nil, fmt.Errorf("tag index file truncated: %w", ErrCorruptHeader)
	}

	if string(buf[0:4]) != tagIndexMagic {
		return nil, fmt.Errorf("tag index magic mismatch: %w", ErrIncompatible)
	}

	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != tagIndexVersion {
		return nil, fmt.Errorf("tag index version %d unsupported: %w", version, ErrIncompatible)
	}

	bodyLen := binary.LittleEndian.Uint32(buf[8:12])
	checksum := binary.LittleEndian.Uint32(buf[12:16])

	body := buf[32:]
	if uint32(len(body)) < bodyLen {
		return nil, fmt.Errorf("tag index body truncated: %w", ErrCorruptHeader)
	}

	body = body[:bodyLen]

	if crcSum(body) != checksum {
		return nil, fmt.Errorf("tag index checksum mismatch: %w", ErrCorruptHeader)
	}

	t := newTagIndex()

	pos := 0

	tagCount, pos := readUint32(body, pos)
	for i := uint32(0); i < tagCount; i++ {
		var tagLen uint32
		tagLen, pos = readUint32(body, pos)

		tag := string(body[pos : pos+int(tagLen)])
		pos += int(tagLen)

		t.tagToID[tag] = uint32(len(t.idToTag))
		t.idToTag = append(t.idToTag, tag)
	}

	for i := uint32(0); i < tagCount; i++ {
		var packedLen uint32
		packedLen, pos = readUint32(body, pos)

		bm := roaring.New()
		if err := bm.UnmarshalBinary(body[pos : pos+int(packedLen)]); err != nil {
			return nil, fmt.Errorf("unmarshal tag posting %d: %w", i, err)
		}

		pos += int(packedLen)
		t.postings = append(t.postings, bm)
	}

	var slotCount uint32
	slotCount, pos = readUint32(body, pos)

	for i := uint32(0); i < slotCount; i++ {
		var slot, idCount uint32
		slot, pos = readUint32(body, pos)
		idCount, pos = readUint32(body, pos)

		set := make(map[uint32]struct{}, idCount)
		for j := uint32(0); j < idCount; j++ {
			var id uint32
			id, pos = readUint32(body, pos)
			set[id] = struct{}{}
		}

		t.forward[slot] = set
	}

	return t, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)

	return append(buf, tmp[:]...)
}

func readUint32(buf []byte, pos int) (uint32, int) {
	return binary.LittleEndian.Uint32(buf[pos : pos+4]), pos + 4
}
