package memstore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/genomewalker/memstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")

	s, err := createStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s, base
}

func TestStoreCreateInsertReopenSeesNode(t *testing.T) {
	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")

	s, err := createStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	slot, err := s.Insert(n)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := openStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(n.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, n.ID, got.ID)

	gotSlot, ok := reopened.Lookup(n.ID)
	require.True(t, ok)
	require.Equal(t, slot, gotSlot)
}

func TestStoreRecoverReappliesUnflushedWALEntry(t *testing.T) {
	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")

	s, err := createStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))

	// Simulate a crash between the durable WAL append and the index
	// mutation Store.Insert normally performs right after it: append
	// directly, bypassing idx.Insert entirely.
	seq, err := s.log.Append(walOpInsert, n)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Greater(t, seq, uint64(0))

	reopened, err := openStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	_, ok, err := reopened.Get(n.ID)
	require.NoError(t, err)
	require.True(t, ok, "recovery must replay the WAL entry the index never saw applied")
}

func TestStoreUpdateAndRemove(t *testing.T) {
	s, _ := newTestStore(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := s.Insert(n)
	require.NoError(t, err)

	n.Embedding = sampleEmbedding(50)
	ok, err := s.Update(n)
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := s.Get(n.ID)
	require.NoError(t, err)

	for i := range n.Embedding {
		require.InDelta(t, n.Embedding[i], got.Embedding[i], 0.1)
	}

	ok, err = s.Remove(n.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Get(n.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSlotNotReusedAfterRemove(t *testing.T) {
	s, _ := newTestStore(t)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	slot1, err := s.Insert(n1)
	require.NoError(t, err)

	ok, err := s.Remove(n1.ID)
	require.NoError(t, err)
	require.True(t, ok)

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	slot2, err := s.Insert(n2)
	require.NoError(t, err)
	require.NotEqual(t, slot1, slot2)

	_, ok = s.Lookup(n1.ID)
	require.False(t, ok)
}

func TestStoreSearchMatchesSearchTwoStageAtSmallScale(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 15; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i)))
		_, err := s.Insert(n)
		require.NoError(t, err)
	}

	query := sampleEmbedding(5)

	single, err := s.Search(query, 5, 0)
	require.NoError(t, err)

	twoStage, err := s.SearchTwoStage(query, 5, 0)
	require.NoError(t, err)

	require.Equal(t, len(single), len(twoStage))
}

func TestStoreSearchRejectsWrongDimension(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Search(make([]float32, 10), 5, 0)
	require.ErrorIs(t, err, ErrInvalidEmbedding)
}

func TestStoreTagRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	slot, err := s.Insert(n)
	require.NoError(t, err)

	require.NoError(t, s.AddTag(slot, "reviewed"))

	tags, err := s.TagsForSlot(slot)
	require.NoError(t, err)
	require.Contains(t, tags, "reviewed")

	slots, err := s.SlotsWithTag("reviewed")
	require.NoError(t, err)
	require.Contains(t, slots, slot)

	require.NoError(t, s.RemoveTag(slot, "reviewed"))

	tags, err = s.TagsForSlot(slot)
	require.NoError(t, err)
	require.NotContains(t, tags, "reviewed")
}

func TestStoreTagMutationSurvivesReopen(t *testing.T) {
	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")

	s, err := createStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	slot, err := s.Insert(n)
	require.NoError(t, err)

	require.NoError(t, s.AddTag(slot, "durable"))
	require.NoError(t, s.Close())

	reopened, err := openStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	tags, err := reopened.TagsForSlot(slot)
	require.NoError(t, err)
	require.Contains(t, tags, "durable")
}

func TestStoreSnapshotIsIndependentlyOpenable(t *testing.T) {
	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")
	target := filepath.Join(t.TempDir(), "snap")

	s, err := createStoreWithFS(fsys, base, testConfig())
	require.NoError(t, err)
	defer s.Close()

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err = s.Insert(n)
	require.NoError(t, err)

	require.NoError(t, s.CreateSnapshot(target))

	snap, err := openStoreWithFS(fsys, target, testConfig())
	require.NoError(t, err)
	defer snap.Close()

	_, ok, err := snap.Get(n.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreStatsReflectsInsertsAndDeletes(t *testing.T) {
	s, _ := newTestStore(t)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := s.Insert(n1)
	require.NoError(t, err)

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	_, err = s.Insert(n2)
	require.NoError(t, err)

	require.EqualValues(t, 2, s.Stats().NodeCount)

	_, err = s.Remove(n1.ID)
	require.NoError(t, err)

	stats := s.Stats()
	require.EqualValues(t, 1, stats.NodeCount)
	require.EqualValues(t, 1, stats.DeletedCount)
}

func TestStoreDumpWALReportsEntriesInOrder(t *testing.T) {
	s, _ := newTestStore(t)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := s.Insert(n1)
	require.NoError(t, err)

	_, err = s.Remove(n1.ID)
	require.NoError(t, err)

	entries, err := s.DumpWAL(0)
	require.NoError(t, err)

	want := []WalEntry{
		{Sequence: entries[0].Sequence, Op: "insert", NodeID: n1.ID},
		{Sequence: entries[1].Sequence, Op: "delete", NodeID: n1.ID},
	}

	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("DumpWAL mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreTouchAndUpdateConfidenceDoNotAppendWAL(t *testing.T) {
	s, _ := newTestStore(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	slot, err := s.Insert(n)
	require.NoError(t, err)

	before, err := s.DumpWAL(0)
	require.NoError(t, err)

	require.NoError(t, s.Touch(slot))
	require.NoError(t, s.UpdateConfidence(slot, CertainConfidence(0.9)))

	after, err := s.DumpWAL(0)
	require.NoError(t, err)

	require.Equal(t, len(before), len(after), "Touch and UpdateConfidence must not append to the WAL")
}

func TestStoreRemoveEntryPointKeepsSearchWorking(t *testing.T) {
	s, _ := newTestStore(t)

	first := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := s.Insert(first)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i+2)))
		_, err := s.Insert(n)
		require.NoError(t, err)
	}

	ok, err := s.Remove(first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	results, err := s.Search(first.Embedding, 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results, "a search for a deleted item's vector must still return live items")

	for _, r := range results {
		require.NotEqual(t, first.ID, mustNodeIDAtSlot(t, s, r.Slot))
	}
}

func mustNodeIDAtSlot(t *testing.T, s *Store, slot SlotID) NodeID {
	t.Helper()

	var id NodeID
	require.NoError(t, s.Iterate(func(n Node) bool {
		if gotSlot, ok := s.Lookup(n.ID); ok && gotSlot == slot {
			id = n.ID
			return false
		}

		return true
	}))

	return id
}

func TestStoreWalSequenceAdvancesMonotonicallyAcrossMutations(t *testing.T) {
	s, _ := newTestStore(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := s.Insert(n)
	require.NoError(t, err)
	afterInsert := s.Stats().WalSequence

	n.Embedding = sampleEmbedding(2)
	_, err = s.Update(n)
	require.NoError(t, err)
	afterUpdate := s.Stats().WalSequence
	require.Greater(t, afterUpdate, afterInsert)

	_, err = s.Remove(n.ID)
	require.NoError(t, err)
	afterRemove := s.Stats().WalSequence
	require.Greater(t, afterRemove, afterUpdate)
}

func TestStoreIterateVisitsAllLiveNodes(t *testing.T) {
	s, _ := newTestStore(t)

	ids := make(map[NodeID]bool)
	var toRemove NodeID

	for i := 0; i < 5; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i)))
		_, err := s.Insert(n)
		require.NoError(t, err)
		ids[n.ID] = true

		if i == 0 {
			toRemove = n.ID
		}
	}

	ok, err := s.Remove(toRemove)
	require.NoError(t, err)
	require.True(t, ok)
	delete(ids, toRemove)

	visited := make(map[NodeID]bool)
	require.NoError(t, s.Iterate(func(n Node) bool {
		visited[n.ID] = true
		return true
	}))

	require.Equal(t, ids, visited)
}
