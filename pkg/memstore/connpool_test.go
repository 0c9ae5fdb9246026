package memstore

import (
	"path/filepath"
	"testing"

	"github.com/genomewalker/memstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func TestConnectionPoolAllocateAndRead(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.connections")

	p, err := createConnectionPool(fsys, path)
	require.NoError(t, err)
	defer p.Close()

	levels := [][]connEdge{
		{{Target: 1, Distance: 0.1}, {Target: 2, Distance: 0.2}},
		{{Target: 3, Distance: 0.3}},
	}

	off, err := p.Allocate(42, levels)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.header.NodeCount)

	slotID, readLevels, err := p.Read(off)
	require.NoError(t, err)
	require.EqualValues(t, 42, slotID)
	require.Equal(t, levels, readLevels)

	lvl1, err := p.ReadLevel(off, 1)
	require.NoError(t, err)
	require.Equal(t, levels[1], lvl1)
}

func TestConnectionPoolAddConnectionAppendsEdge(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.connections")

	p, err := createConnectionPool(fsys, path)
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Allocate(1, [][]connEdge{{{Target: 2, Distance: 0.5}}})
	require.NoError(t, err)

	newOff, err := p.AddConnection(off, 0, connEdge{Target: 3, Distance: 0.25})
	require.NoError(t, err)

	slotID, levels, err := p.Read(newOff)
	require.NoError(t, err)
	require.EqualValues(t, 1, slotID)
	require.Len(t, levels[0], 2)
	require.Equal(t, uint32(3), levels[0][1].Target)

	// the old record is now marked deleted
	_, _, err = p.Read(off)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionPoolReplaceRecordDoesNotDoubleCountNodes(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.connections")

	p, err := createConnectionPool(fsys, path)
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Allocate(7, [][]connEdge{{}})
	require.NoError(t, err)
	require.EqualValues(t, 1, p.header.NodeCount)

	_, err = p.ReplaceRecord(off, 7, [][]connEdge{{{Target: 9, Distance: 0.9}}})
	require.NoError(t, err)
	require.EqualValues(t, 1, p.header.NodeCount, "replacing an existing record must not increment node count")
}

func TestConnectionPoolGrowsWhenFull(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.connections")

	p, err := createConnectionPool(fsys, path)
	require.NoError(t, err)
	defer p.Close()

	startTotal := p.header.Total

	level := make([]connEdge, 4000)
	for i := range level {
		level[i] = connEdge{Target: uint32(i), Distance: float32(i)}
	}

	for p.header.Total == startTotal {
		_, err = p.Allocate(1, [][]connEdge{level})
		require.NoError(t, err)
	}

	require.Greater(t, p.header.Total, startTotal)
}
