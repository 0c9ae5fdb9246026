package memstore

import (
	"fmt"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/internal/storelog"
	"github.com/genomewalker/memstore/internal/vfs"
)

// Config is the store's tuning surface, loaded from a JWCC file the way
// storeconfig.Load describes (global, then project, then explicit
// overrides). See storeconfig.Default for the documented defaults.
type Config = storeconfig.Config

// SlotID is the dense slot address a Node currently occupies. Slots are
// handed out in increasing order and a removed node's slot is not given
// to a later insert. It is stable only until the node it names is
// removed; callers that
// need a durable handle should keep the NodeID instead.
type SlotID uint32

// ScoredID is one search result: a slot and its similarity to the query
// vector, in [-1, 1], higher meaning closer.
type ScoredID struct {
	Slot  SlotID
	Score float32
}

// Store is the façade binding the Unified Index (and everything it
// owns — Connection Pool, Blob Store, Tag Index) to the shared
// Write-Ahead Log. Every mutation except Touch and UpdateConfidence is
// durably appended to the WAL before it is applied to the index, so a
// crash between the two always
// leaves a replayable trail rather than a silently lost write.
type Store struct {
	fsys vfs.FS
	base string
	cfg  storeconfig.Config

	idx *unifiedIndex
	log *wal
}

func walPath(base string) string { return suffix(base, ".wal") }

// CreateStore creates a brand-new store at base: the Unified Index's
// full set of sibling files, plus an empty WAL.
func CreateStore(base string, cfg Config) (*Store, error) {
	return createStoreWithFS(vfs.NewReal(), base, cfg)
}

func createStoreWithFS(fsys vfs.FS, base string, cfg Config) (*Store, error) {
	idx, err := createUnifiedIndex(fsys, base, cfg)
	if err != nil {
		return nil, fmt.Errorf("create unified index: %w", err)
	}

	w, err := openWAL(fsys, walPath(base))
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("create wal: %w", err)
	}

	storelog.Info(base, "store created")

	return &Store{fsys: fsys, base: base, cfg: cfg, idx: idx, log: w}, nil
}

// OpenStore opens an existing store at base and replays any WAL entries
// recorded since the index's last durable checkpoint, bringing the
// index back in sync with whatever was appended (by this process or a
// peer) before a crash or clean shutdown.
func OpenStore(base string, cfg Config) (*Store, error) {
	return openStoreWithFS(vfs.NewReal(), base, cfg)
}

func openStoreWithFS(fsys vfs.FS, base string, cfg Config) (*Store, error) {
	idx, err := openUnifiedIndex(fsys, base, cfg)
	if err != nil {
		return nil, fmt.Errorf("open unified index: %w", err)
	}

	w, err := openWAL(fsys, walPath(base))
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	s := &Store{fsys: fsys, base: base, cfg: cfg, idx: idx, log: w}

	if err := s.recover(); err != nil {
		idx.Close()
		return nil, fmt.Errorf("recover from wal: %w", err)
	}

	storelog.Info(base, "store opened", "node_count", idx.header.NodeCount)

	return s, nil
}

// recover replays every WAL entry with a sequence greater than the
// index's last-recorded wal_sequence, idempotently re-applying each:
// an Insert whose id is already present is a no-op (it was durably
// applied before the crash), Update always applies, Delete always
// removes. The index's wal_sequence is then advanced to the highest
// sequence replayed.
func (s *Store) recover() error {
	startSeq := s.idx.header.WalSequence

	var replayErr error

	err := s.log.ReplaySince(startSeq, func(op walOp, n Node, sequence uint64) {
		if replayErr != nil {
			return
		}

		switch op {
		case walOpInsert:
			if _, exists := s.idx.idToSlot[n.ID]; !exists {
				if _, err := s.idx.Insert(n, sequence); err != nil {
					replayErr = fmt.Errorf("replay insert %s: %w", n.ID, err)
				}

				return
			}
		case walOpUpdate:
			if _, err := s.idx.Update(n, sequence); err != nil {
				replayErr = fmt.Errorf("replay update %s: %w", n.ID, err)
			}

			return
		case walOpDelete:
			if _, err := s.idx.Remove(n.ID, sequence); err != nil {
				replayErr = fmt.Errorf("replay delete %s: %w", n.ID, err)
			}

			return
		case walOpCheckpoint:
			// marker only, nothing to re-apply
		}

		// Reached only for a checkpoint marker or an insert already
		// durably applied before a crash — Insert/Update/Remove above
		// commit their own walSeq, this is the fallback for entries
		// that never call them.
		s.idx.advanceWalSequence(sequence)
	})
	if err != nil {
		return err
	}

	return replayErr
}

// Close flushes and unmaps every component. The WAL file itself is left
// in place for a peer process or the next open to replay.
func (s *Store) Close() error {
	return s.idx.Close()
}

// Sync flushes every component to disk without closing them.
func (s *Store) Sync() error {
	return s.idx.Sync()
}

// Insert appends a durable WAL entry for n, then links it into the
// index, returning its slot.
func (s *Store) Insert(n Node) (SlotID, error) {
	seq, err := s.log.Append(walOpInsert, n)
	if err != nil {
		return 0, fmt.Errorf("log insert: %w", err)
	}

	slot, err := s.idx.Insert(n, seq)
	if err != nil {
		return 0, err
	}

	return SlotID(slot), nil
}

// Update durably logs and then applies an in-place content update.
// Graph topology is left untouched (see unifiedIndex.Update).
func (s *Store) Update(n Node) (bool, error) {
	seq, err := s.log.Append(walOpUpdate, n)
	if err != nil {
		return false, fmt.Errorf("log update: %w", err)
	}

	ok, err := s.idx.Update(n, seq)
	if err != nil {
		return false, err
	}

	return ok, nil
}

// Remove durably logs and then applies a tombstone for id.
func (s *Store) Remove(id NodeID) (bool, error) {
	seq, err := s.log.Append(walOpDelete, Node{ID: id})
	if err != nil {
		return false, fmt.Errorf("log delete: %w", err)
	}

	ok, err := s.idx.Remove(id, seq)
	if err != nil {
		return false, err
	}

	return ok, nil
}

// Get reconstructs the full Node at id, if live.
func (s *Store) Get(id NodeID) (Node, bool, error) {
	return s.idx.Get(id)
}

// Lookup returns the slot currently holding id, if live.
func (s *Store) Lookup(id NodeID) (SlotID, bool) {
	slot, ok := s.idx.Lookup(id)
	return SlotID(slot), ok
}

// Search runs a single-pass graph search for the k nearest neighbors of
// query.
func (s *Store) Search(query []float32, k int, ef int) ([]ScoredID, error) {
	if len(query) != EmbedDim {
		return nil, ErrInvalidEmbedding
	}

	return toScoredIDs(s.idx.Search(query, k, ef)), nil
}

// SearchTwoStage runs the two-pass ANN search: a wide approximate-cosine
// first pass followed by an exact-cosine rerank.
func (s *Store) SearchTwoStage(query []float32, k int, firstPassK int) ([]ScoredID, error) {
	if len(query) != EmbedDim {
		return nil, ErrInvalidEmbedding
	}

	return toScoredIDs(s.idx.SearchTwoStage(query, k, firstPassK)), nil
}

func toScoredIDs(scored []ScoredSlot) []ScoredID {
	out := make([]ScoredID, len(scored))
	for i, sc := range scored {
		out[i] = ScoredID{Slot: SlotID(sc.Slot), Score: sc.Score}
	}

	return out
}

// Touch advances a slot's access timestamp without logging to the WAL
// (UpdateConfidence below is the other mutation that skips it) — it
// carries no information a replay needs to reconstruct.
func (s *Store) Touch(slot SlotID) error {
	return s.idx.Touch(uint32(slot))
}

// UpdateConfidence overwrites a slot's confidence triple. This bypasses
// the WAL in the same way Touch does: the triple is recomputed by the
// caller from data already durable elsewhere, not invented here.
func (s *Store) UpdateConfidence(slot SlotID, kappa Confidence) error {
	return s.idx.UpdateConfidence(uint32(slot), kappa)
}

// Iterate visits every live node in slot order.
func (s *Store) Iterate(fn func(Node) bool) error {
	return s.idx.Iterate(fn)
}

// CreateSnapshot flushes the store and copies every sibling file —
// index, connections, blobs, tags, and the WAL itself — to target.
func (s *Store) CreateSnapshot(target string) error {
	if err := s.idx.CreateSnapshot(target, s.cfg.SnapshotUseReflink); err != nil {
		return err
	}

	walSrc := walPath(s.base)
	if _, err := s.fsys.Stat(walSrc); err != nil {
		return nil
	}

	return copyFile(s.fsys, walSrc, walPath(target), s.cfg.SnapshotUseReflink)
}

// AddTag and RemoveTag are logged as full Update entries rather than a
// narrower tag-only WAL record: recovery only knows how to idempotently
// re-apply the four operations it already understands, and re-applying
// an Update (full node content, tags included) is exactly equivalent to
// replaying the tag mutation. See SPEC_FULL.md's Open Question
// resolution on this point.
func (s *Store) AddTag(slot SlotID, tag string) error {
	n, err := s.idx.readSlot(uint32(slot))
	if err != nil {
		return err
	}

	n.Tags = append(append([]string{}, n.Tags...), tag)

	if _, err := s.log.Append(walOpUpdate, n); err != nil {
		return fmt.Errorf("log add tag: %w", err)
	}

	s.idx.AddTag(uint32(slot), tag)

	return nil
}

func (s *Store) RemoveTag(slot SlotID, tag string) error {
	n, err := s.idx.readSlot(uint32(slot))
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(n.Tags))
	for _, t := range n.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}

	n.Tags = kept

	if _, err := s.log.Append(walOpUpdate, n); err != nil {
		return fmt.Errorf("log remove tag: %w", err)
	}

	s.idx.RemoveTag(uint32(slot), tag)

	return nil
}

// SlotsWithTag returns every live slot carrying tag.
func (s *Store) SlotsWithTag(tag string) ([]SlotID, error) {
	slots := s.idx.SlotsWithTag(tag)

	out := make([]SlotID, len(slots))
	for i, sl := range slots {
		out[i] = SlotID(sl)
	}

	return out, nil
}

// TagsForSlot returns every tag currently attached to slot.
func (s *Store) TagsForSlot(slot SlotID) ([]string, error) {
	return s.idx.TagsForSlot(uint32(slot)), nil
}

// Stats reports the header counters cmd/memstore's stat and verify
// subcommands display; it is not part of spec.md's core verb list but
// is the minimal diagnostic surface a production store needs exposed.
type Stats struct {
	NodeCount      uint64
	Capacity       uint64
	DeletedCount   uint64
	EntryPointSlot uint32
	MaxLevel       uint32
	SnapshotID     uint64
	WalSequence    uint64
}

// Stats returns the current header counters.
func (s *Store) Stats() Stats {
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()

	h := s.idx.header

	return Stats{
		NodeCount:      h.NodeCount,
		Capacity:       h.Capacity,
		DeletedCount:   h.DeletedCount,
		EntryPointSlot: h.EntryPointSlot,
		MaxLevel:       h.MaxLevel,
		SnapshotID:     h.SnapshotID,
		WalSequence:    h.WalSequence,
	}
}

// WalEntry is one decoded log record, as reported by DumpWAL.
type WalEntry struct {
	Sequence uint64
	Op       string
	NodeID   NodeID
}

func (op walOp) String() string {
	switch op {
	case walOpInsert:
		return "insert"
	case walOpUpdate:
		return "update"
	case walOpDelete:
		return "delete"
	case walOpCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// DumpWAL decodes every log entry with sequence greater than since,
// without applying any of them — for offline inspection via
// cmd/memstore's replay subcommand.
func (s *Store) DumpWAL(since uint64) ([]WalEntry, error) {
	var out []WalEntry

	err := s.log.ReplaySince(since, func(op walOp, n Node, sequence uint64) {
		out = append(out, WalEntry{Sequence: sequence, Op: op.String(), NodeID: n.ID})
	})

	return out, err
}
