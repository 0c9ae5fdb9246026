package memstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/genomewalker/memstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func TestWALAppendAndReplayRoundTrip(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	w, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	n2 := NewNode(NodeTypeIntention, sampleEmbedding(2))

	seq1, err := w.Append(walOpInsert, n1)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq1)

	seq2, err := w.Append(walOpInsert, n2)
	require.NoError(t, err)
	require.EqualValues(t, 2, seq2)

	var replayed []NodeID

	require.NoError(t, w.ReplaySince(0, func(op walOp, n Node, seq uint64) {
		replayed = append(replayed, n.ID)
	}))

	require.Equal(t, []NodeID{n1.ID, n2.ID}, replayed)
}

func TestWALReplaySinceFiltersBySequence(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	w, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))

	seq1, err := w.Append(walOpInsert, n1)
	require.NoError(t, err)

	_, err = w.Append(walOpInsert, n2)
	require.NoError(t, err)

	var replayed []NodeID

	require.NoError(t, w.ReplaySince(seq1, func(op walOp, n Node, seq uint64) {
		replayed = append(replayed, n.ID)
	}))

	require.Equal(t, []NodeID{n2.ID}, replayed)
}

func TestWALCheckpointIsSkippedByReplayCallback(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	w, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err = w.Append(walOpInsert, n1)
	require.NoError(t, err)

	_, err = w.Checkpoint("snap-1")
	require.NoError(t, err)

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	_, err = w.Append(walOpInsert, n2)
	require.NoError(t, err)

	var ops []walOp

	require.NoError(t, w.ReplaySince(0, func(op walOp, n Node, seq uint64) {
		ops = append(ops, op)
	}))

	require.Equal(t, []walOp{walOpInsert, walOpInsert}, ops)
}

func TestWALTruncateNeverReusesSequence(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	w, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	seq1, err := w.Append(walOpInsert, n1)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq1)

	require.NoError(t, w.Truncate())

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	seq2, err := w.Append(walOpInsert, n2)
	require.NoError(t, err)
	require.Greater(t, seq2, seq1)

	var replayed []NodeID

	require.NoError(t, w.ReplaySince(0, func(op walOp, n Node, seq uint64) {
		replayed = append(replayed, n.ID)
	}))

	require.Equal(t, []NodeID{n2.ID}, replayed)
}

func TestWALReopenContinuesSequence(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	w1, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	seq1, err := w1.Append(walOpInsert, n1)
	require.NoError(t, err)

	w2, err := openWAL(fsys, path)
	require.NoError(t, err)

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	seq2, err := w2.Append(walOpInsert, n2)
	require.NoError(t, err)

	require.Greater(t, seq2, seq1)
}

func TestWALScanStopsAtCorruptEntryRatherThanSkipping(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	w, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err = w.Append(walOpInsert, n1)
	require.NoError(t, err)

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	_, err = w.Append(walOpInsert, n2)
	require.NoError(t, err)

	n3 := NewNode(NodeTypeBelief, sampleEmbedding(3))
	_, err = w.Append(walOpInsert, n3)
	require.NoError(t, err)

	// Corrupt the second entry's header magic in place, simulating a
	// torn write. The third entry remains structurally intact on disk
	// but must never be reached, since nothing durable can follow a
	// torn record in an append-only log.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte{0, 0, 0, 0}, int64(walHeaderSize+len(serializeWALNode(n1))))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w3, err := openWAL(fsys, path)
	require.NoError(t, err)

	var replayed []NodeID

	require.NoError(t, w3.ReplaySince(0, func(op walOp, n Node, seq uint64) {
		replayed = append(replayed, n.ID)
	}))

	require.Equal(t, []NodeID{n1.ID}, replayed)
}

func TestWALSyncResumesFromItsOwnCursor(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.wal")

	writer, err := openWAL(fsys, path)
	require.NoError(t, err)

	reader, err := openWAL(fsys, path)
	require.NoError(t, err)

	n1 := NewNode(NodeTypeBelief, sampleEmbedding(1))
	_, err = writer.Append(walOpInsert, n1)
	require.NoError(t, err)

	var firstPull []NodeID

	require.NoError(t, reader.Sync(func(op walOp, n Node, seq uint64) {
		firstPull = append(firstPull, n.ID)
	}))
	require.Equal(t, []NodeID{n1.ID}, firstPull)

	n2 := NewNode(NodeTypeBelief, sampleEmbedding(2))
	_, err = writer.Append(walOpInsert, n2)
	require.NoError(t, err)

	var secondPull []NodeID

	require.NoError(t, reader.Sync(func(op walOp, n Node, seq uint64) {
		secondPull = append(secondPull, n.ID)
	}))
	require.Equal(t, []NodeID{n2.ID}, secondPull)
}
