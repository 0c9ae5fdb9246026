package memstore

import (
	"path/filepath"
	"testing"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func testConfig() storeconfig.Config {
	cfg := storeconfig.Default()
	cfg.InitialCapacity = 64
	cfg.GraphEfConstruction = 32
	cfg.GraphEfSearch = 32

	return cfg
}

func newTestIndex(t *testing.T) *unifiedIndex {
	t.Helper()

	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")

	idx, err := createUnifiedIndex(fsys, base, testConfig())
	require.NoError(t, err)

	t.Cleanup(func() { idx.Close() })

	return idx
}

func TestUnifiedIndexInsertLookupGet(t *testing.T) {
	idx := newTestIndex(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	n.Payload = []byte("payload")
	n.Tags = []string{"a", "b"}

	slot, err := idx.Insert(n, 1)
	require.NoError(t, err)

	gotSlot, ok := idx.Lookup(n.ID)
	require.True(t, ok)
	require.Equal(t, slot, gotSlot)

	got, ok, err := idx.Get(n.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, n.ID, got.ID)
	require.Equal(t, n.Payload, got.Payload)
	require.ElementsMatch(t, n.Tags, got.Tags)

	for i := range n.Embedding {
		require.InDelta(t, n.Embedding[i], got.Embedding[i], 0.1)
	}
}

func TestUnifiedIndexInsertDuplicateIDFails(t *testing.T) {
	idx := newTestIndex(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(2))

	_, err := idx.Insert(n, 1)
	require.NoError(t, err)

	_, err = idx.Insert(n, 2)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUnifiedIndexInsertWrongDimensionFails(t *testing.T) {
	idx := newTestIndex(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(1))
	n.Embedding = n.Embedding[:10]

	_, err := idx.Insert(n, 1)
	require.ErrorIs(t, err, ErrInvalidEmbedding)
}

func TestUnifiedIndexRemoveThenGetNotFound(t *testing.T) {
	idx := newTestIndex(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(3))

	_, err := idx.Insert(n, 1)
	require.NoError(t, err)

	ok, err := idx.Remove(n.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = idx.Get(n.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok = idx.Lookup(n.ID)
	require.False(t, ok)
}

func TestUnifiedIndexUpdateLeavesGraphTopologyAlone(t *testing.T) {
	idx := newTestIndex(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(4))

	slot, err := idx.Insert(n, 1)
	require.NoError(t, err)

	before := idx.node(slot).ConnectionOffset

	n.Embedding = sampleEmbedding(99)
	ok, err := idx.Update(n, 2)
	require.NoError(t, err)
	require.True(t, ok)

	after := idx.node(slot).ConnectionOffset
	require.Equal(t, before, after)

	got, _, err := idx.Get(n.ID)
	require.NoError(t, err)

	for i := range n.Embedding {
		require.InDelta(t, n.Embedding[i], got.Embedding[i], 0.1)
	}
}

func TestUnifiedIndexSearchFindsNearestNeighbor(t *testing.T) {
	idx := newTestIndex(t)

	var target NodeID

	for i := 0; i < 50; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i)))
		_, err := idx.Insert(n, uint64(i+1))
		require.NoError(t, err)

		if i == 25 {
			target = n.ID
		}
	}

	targetSlot, ok := idx.Lookup(target)
	require.True(t, ok)

	query := decodeQuantizedVector(idx.vectorBytes(targetSlot)).ToFloat()

	results := idx.Search(query, 5, 0)
	require.NotEmpty(t, results)
	require.Equal(t, targetSlot, results[0].Slot)
}

func TestUnifiedIndexSearchTwoStageFallsBackBelowThreshold(t *testing.T) {
	idx := newTestIndex(t)

	for i := 0; i < 20; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i)))
		_, err := idx.Insert(n, uint64(i+1))
		require.NoError(t, err)
	}

	query := sampleEmbedding(5)

	single := idx.Search(query, 5, 0)
	twoStage := idx.SearchTwoStage(query, 5, 0)

	require.Equal(t, len(single), len(twoStage))
}

func TestUnifiedIndexTagOperations(t *testing.T) {
	idx := newTestIndex(t)

	n := NewNode(NodeTypeBelief, sampleEmbedding(6))

	slot, err := idx.Insert(n, 1)
	require.NoError(t, err)

	idx.AddTag(slot, "urgent")
	require.Contains(t, idx.TagsForSlot(slot), "urgent")
	require.Contains(t, idx.SlotsWithTag("urgent"), slot)

	idx.RemoveTag(slot, "urgent")
	require.NotContains(t, idx.TagsForSlot(slot), "urgent")
}

func TestUnifiedIndexReopenRebuildsSlotMap(t *testing.T) {
	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")

	idx, err := createUnifiedIndex(fsys, base, testConfig())
	require.NoError(t, err)

	n := NewNode(NodeTypeBelief, sampleEmbedding(7))
	slot, err := idx.Insert(n, 1)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := openUnifiedIndex(fsys, base, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	gotSlot, ok := reopened.Lookup(n.ID)
	require.True(t, ok)
	require.Equal(t, slot, gotSlot)
}

func TestUnifiedIndexGrowsPastInitialCapacity(t *testing.T) {
	idx := newTestIndex(t)

	startCap := idx.header.Capacity

	for i := 0; i < int(startCap)+5; i++ {
		_, err := idx.Insert(NewNode(NodeTypeBelief, sampleEmbedding(float32(i))), uint64(i+1))
		require.NoError(t, err)
	}

	require.Greater(t, idx.header.Capacity, startCap)
}

func TestUnifiedIndexRemoveEntryPointPromotesReplacement(t *testing.T) {
	idx := newTestIndex(t)

	first := NewNode(NodeTypeBelief, sampleEmbedding(1))
	firstSlot, err := idx.Insert(first, 1)
	require.NoError(t, err)
	require.Equal(t, firstSlot, idx.header.EntryPointSlot, "the first inserted node is always the initial entry point")

	for i := 0; i < 10; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i+2)))
		_, err := idx.Insert(n, uint64(i+2))
		require.NoError(t, err)
	}

	ok, err := idx.Remove(first.ID, 100)
	require.NoError(t, err)
	require.True(t, ok)

	require.NotEqual(t, noEntryPoint, idx.header.EntryPointSlot, "removing the entry point must promote a replacement")
	require.True(t, idx.isLive(idx.header.EntryPointSlot), "the promoted entry point must be a live node")
}

func TestUnifiedIndexSearchForDeletedEntryPointVectorReturnsLiveResults(t *testing.T) {
	idx := newTestIndex(t)

	first := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := idx.Insert(first, 1)
	require.NoError(t, err)

	var liveIDs []NodeID
	for i := 0; i < 10; i++ {
		n := NewNode(NodeTypeBelief, sampleEmbedding(float32(i+2)))
		_, err := idx.Insert(n, uint64(i+2))
		require.NoError(t, err)
		liveIDs = append(liveIDs, n.ID)
	}

	ok, err := idx.Remove(first.ID, 100)
	require.NoError(t, err)
	require.True(t, ok)

	results := idx.Search(first.Embedding, 5, 0)
	require.NotEmpty(t, results, "a search for a deleted item's vector must still return live items")

	for _, r := range results {
		id := decodeNodeMeta(idx.metaBytes(r.Slot)).ID
		require.Contains(t, liveIDs, id, "search must not resurface the deleted entry point")
	}
}

func TestUnifiedIndexInsertAfterRemovingEntryPointLinksIntoGraph(t *testing.T) {
	idx := newTestIndex(t)

	first := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err := idx.Insert(first, 1)
	require.NoError(t, err)

	ok, err := idx.Remove(first.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)

	next := NewNode(NodeTypeBelief, sampleEmbedding(2))
	nextSlot, err := idx.Insert(next, 3)
	require.NoError(t, err)

	results := idx.Search(next.Embedding, 1, 0)
	require.NotEmpty(t, results)
	require.Equal(t, nextSlot, results[0].Slot)
}

func TestUnifiedIndexSnapshotCopiesAllFiles(t *testing.T) {
	fsys := vfs.NewReal()
	base := filepath.Join(t.TempDir(), "store")
	target := filepath.Join(t.TempDir(), "snap")

	idx, err := createUnifiedIndex(fsys, base, testConfig())
	require.NoError(t, err)
	defer idx.Close()

	n := NewNode(NodeTypeBelief, sampleEmbedding(8))
	_, err = idx.Insert(n, 1)
	require.NoError(t, err)

	require.NoError(t, idx.CreateSnapshot(target, false))

	snap, err := openUnifiedIndex(fsys, target, testConfig())
	require.NoError(t, err)
	defer snap.Close()

	_, ok := snap.Lookup(n.ID)
	require.True(t, ok)
}
