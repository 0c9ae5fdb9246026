package memstore

import (
	"fmt"
	"io"
	"os"

	"github.com/genomewalker/memstore/internal/vfs"
)

// Insert quantizes and persists n, links it into the proximity graph,
// and returns its slot. Callers are expected to have already durably
// appended the corresponding WAL entry; walSeq is that entry's
// sequence, committed to the header under the same lock as the rest of
// the mutation so concurrent callers can never interleave an
// unsynchronized write to wal_sequence.
func (idx *unifiedIndex) Insert(n Node, walSeq uint64) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.idToSlot[n.ID]; exists {
		return 0, fmt.Errorf("node %s: %w", n.ID, ErrAlreadyExists)
	}

	if len(n.Embedding) != EmbedDim {
		return 0, ErrInvalidEmbedding
	}

	q := QuantizeVector(n.Embedding)
	b := BinaryFromQuantized(q)
	locality := HilbertKey(q)
	level := randomLevel(idx.cfg.GraphM, idx.cfg.MaxLevel)

	var payloadOffset uint64
	if len(n.Payload) > 0 {
		off, err := idx.payloads.Store(n.Payload)
		if err != nil {
			return 0, err
		}

		payloadOffset = off
	}

	var edgeOffset uint64
	if len(n.Edges) > 0 {
		off, err := idx.edges.Store(encodeEdgeList(n.Edges))
		if err != nil {
			return 0, err
		}

		edgeOffset = off
	}

	slot, err := idx.allocateSlot()
	if err != nil {
		return 0, err
	}

	encodeQuantizedVector(idx.vectorBytes(slot), q)

	if idx.binvecs != nil {
		encodeBinaryVector(idx.binaryBytes(slot), b)
	}

	encodeNodeMeta(idx.metaBytes(slot), NodeMeta{
		ID:            n.ID,
		CreatedAt:     n.CreatedAt,
		AccessedAt:    n.AccessedAt,
		PayloadOffset: payloadOffset,
		EdgeOffset:    edgeOffset,
		ConfidenceMu:  n.Confidence.Mu,
		ConfidenceSSq: n.Confidence.SigmaSq,
		DecayRate:     n.DecayRate,
		PayloadSize:   uint32(len(n.Payload)),
		Type:          n.Type,
	})

	connOffset, err := idx.conns.Allocate(slot, make([][]connEdge, level+1))
	if err != nil {
		return 0, err
	}

	idx.setNode(slot, indexedNode{
		ID:               n.ID,
		ConnectionOffset: connOffset,
		LocalityKey:      locality,
		Level:            level,
	})

	idx.idToSlot[n.ID] = slot
	idx.header.NodeCount++

	for _, tag := range n.Tags {
		idx.tags.Add(slot, tag)
	}

	if err := idx.insertIntoGraph(slot, level, q); err != nil {
		return 0, err
	}

	idx.commitWalSequence(walSeq)

	return slot, nil
}

// Lookup returns the slot currently holding id, if live.
func (idx *unifiedIndex) Lookup(id NodeID) (uint32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	slot, ok := idx.idToSlot[id]

	return slot, ok
}

// Get reconstructs the full Node at id, if live.
func (idx *unifiedIndex) Get(id NodeID) (Node, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	slot, ok := idx.idToSlot[id]
	if !ok {
		return Node{}, false, nil
	}

	n, err := idx.readSlot(slot)
	if err != nil {
		return Node{}, false, err
	}

	return n, true, nil
}

func (idx *unifiedIndex) readSlot(slot uint32) (Node, error) {
	m := decodeNodeMeta(idx.metaBytes(slot))

	var payload []byte
	if m.PayloadOffset != 0 {
		payload = idx.payloads.Read(m.PayloadOffset)
	}

	var edges []Edge
	if m.EdgeOffset != 0 {
		edges = decodeEdgeList(idx.edges.Read(m.EdgeOffset))
	}

	return Node{
		ID:         m.ID,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
		AccessedAt: m.AccessedAt,
		DecayRate:  m.DecayRate,
		Confidence: Confidence{Mu: m.ConfidenceMu, SigmaSq: m.ConfidenceSSq},
		Embedding:  decodeQuantizedVector(idx.vectorBytes(slot)).ToFloat(),
		Payload:    payload,
		Edges:      edges,
		Tags:       idx.tags.TagsForSlot(slot),
	}, nil
}

// Update overwrites an existing node's content in place. The graph
// topology is deliberately left untouched: recomputing it would
// require re-linking every neighbor that referenced the old vector,
// which the design does not attempt. walSeq is committed to the header
// under the same lock as the rest of the mutation, same as Insert.
func (idx *unifiedIndex) Update(n Node, walSeq uint64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.idToSlot[n.ID]
	if !ok {
		idx.commitWalSequence(walSeq)
		return false, nil
	}

	if len(n.Embedding) != EmbedDim {
		return false, ErrInvalidEmbedding
	}

	q := QuantizeVector(n.Embedding)
	encodeQuantizedVector(idx.vectorBytes(slot), q)

	if idx.binvecs != nil {
		encodeBinaryVector(idx.binaryBytes(slot), BinaryFromQuantized(q))
	}

	var payloadOffset uint64
	if len(n.Payload) > 0 {
		off, err := idx.payloads.Store(n.Payload)
		if err != nil {
			return false, err
		}

		payloadOffset = off
	}

	var edgeOffset uint64
	if len(n.Edges) > 0 {
		off, err := idx.edges.Store(encodeEdgeList(n.Edges))
		if err != nil {
			return false, err
		}

		edgeOffset = off
	}

	encodeNodeMeta(idx.metaBytes(slot), NodeMeta{
		ID:            n.ID,
		CreatedAt:     n.CreatedAt,
		AccessedAt:    n.AccessedAt,
		PayloadOffset: payloadOffset,
		EdgeOffset:    edgeOffset,
		ConfidenceMu:  n.Confidence.Mu,
		ConfidenceSSq: n.Confidence.SigmaSq,
		DecayRate:     n.DecayRate,
		PayloadSize:   uint32(len(n.Payload)),
		Type:          n.Type,
	})

	idx.tags.RemoveAll(slot)
	for _, tag := range n.Tags {
		idx.tags.Add(slot, tag)
	}

	idx.commitWalSequence(walSeq)

	return true, nil
}

// Remove marks id's slot deleted. Its arrays and connection record are
// retained; search simply skips deleted slots going forward. If the
// removed slot was the graph's entry point, a live replacement is
// promoted immediately — preferring the highest-level live node — so a
// concurrent or subsequent Search never greedy-descends from a dead
// slot. walSeq is committed to the header under the same lock as the
// rest of the mutation, same as Insert.
func (idx *unifiedIndex) Remove(id NodeID, walSeq uint64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.idToSlot[id]
	if !ok {
		idx.commitWalSequence(walSeq)
		return false, nil
	}

	n := idx.node(slot)
	n.Flags |= indexNodeFlagDeleted
	idx.setNode(slot, n)

	idx.tags.RemoveAll(slot)
	delete(idx.idToSlot, id)

	idx.header.NodeCount--
	idx.header.DeletedCount++

	if idx.header.EntryPointSlot == slot {
		if liveSlot, level, found := idx.scanForLiveEntryPoint(); found {
			idx.header.EntryPointSlot = liveSlot
			idx.header.MaxLevel = level
		} else {
			idx.header.EntryPointSlot = noEntryPoint
			idx.header.MaxLevel = 0
		}
	}

	idx.commitWalSequence(walSeq)

	return true, nil
}

// Touch advances a slot's access timestamp. The façade does not log it
// to the WAL (nor UpdateConfidence), since it carries no information a
// replay needs to reconstruct.
func (idx *unifiedIndex) Touch(slot uint32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if uint64(slot) >= idx.header.Capacity {
		return ErrNotFound
	}

	m := decodeNodeMeta(idx.metaBytes(slot))
	if m.ID.IsZero() {
		return ErrNotFound
	}

	m.AccessedAt = nowMillis()
	encodeNodeMeta(idx.metaBytes(slot), m)

	return nil
}

// UpdateConfidence overwrites a slot's confidence triple in place.
func (idx *unifiedIndex) UpdateConfidence(slot uint32, c Confidence) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if uint64(slot) >= idx.header.Capacity {
		return ErrNotFound
	}

	m := decodeNodeMeta(idx.metaBytes(slot))
	if m.ID.IsZero() {
		return ErrNotFound
	}

	m.ConfidenceMu = c.Mu
	m.ConfidenceSSq = c.SigmaSq
	encodeNodeMeta(idx.metaBytes(slot), m)

	return nil
}

// Iterate visits every live node in slot order, stopping early if fn
// returns false.
func (idx *unifiedIndex) Iterate(fn func(Node) bool) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for slot := uint32(0); slot < idx.nextSlot; slot++ {
		if !idx.isLive(slot) {
			continue
		}

		n, err := idx.readSlot(slot)
		if err != nil {
			return err
		}

		if !fn(n) {
			break
		}
	}

	return nil
}

// AddTag, RemoveTag, SlotsWithTag, and TagsForSlot forward to the tag
// index; the façade is responsible for durably logging the mutation to
// the WAL before calling the Add/Remove variants.

func (idx *unifiedIndex) AddTag(slot uint32, tag string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.tags.Add(slot, tag)
}

func (idx *unifiedIndex) RemoveTag(slot uint32, tag string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.tags.Remove(slot, tag)
}

func (idx *unifiedIndex) SlotsWithTag(tag string) []uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.tags.SlotsWithTag(tag).ToArray()
}

func (idx *unifiedIndex) TagsForSlot(slot uint32) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.tags.TagsForSlot(slot)
}

// CreateSnapshot flushes every child, bumps the snapshot id, then
// copies each sibling file to targetBase with copyFile. No reflink
// clone is attempted: every file is copied byte for byte, whatever
// useReflink says.
func (idx *unifiedIndex) CreateSnapshot(targetBase string, useReflink bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.header.SnapshotID++

	if err := idx.Sync(); err != nil {
		return err
	}

	suffixes := []string{".unified", ".vectors", ".binary", ".meta", ".connections", ".payloads", ".edges", ".tags"}

	for _, s := range suffixes {
		src := suffix(idx.base, s)
		dst := suffix(targetBase, s)

		if _, err := idx.fsys.Stat(src); err != nil {
			continue
		}

		if err := copyFile(idx.fsys, src, dst, useReflink); err != nil {
			return fmt.Errorf("snapshot %s: %w", s, err)
		}
	}

	return nil
}

// copyFile copies src to dst. useReflink is accepted for interface
// symmetry with filesystems that support copy-on-write clones; the
// portable vfs.FS seam here has no reflink primitive, so it always
// falls back to a buffered byte copy, matching the config's documented
// "fall back silently if unsupported" contract.
func copyFile(fsys vfs.FS, src, dst string, useReflink bool) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.Create(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Sync()
}
