package memstore

import (
	"path/filepath"
	"testing"

	"github.com/genomewalker/memstore/internal/vfs"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreStoreAndReadRoundTrip(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.payloads")

	b, err := createBlobStore(fsys, path)
	require.NoError(t, err)
	defer b.Close()

	off1, err := b.Store([]byte("hello"))
	require.NoError(t, err)

	off2, err := b.Store([]byte("world, a longer payload this time"))
	require.NoError(t, err)

	require.NotEqual(t, off1, off2)
	require.Equal(t, []byte("hello"), b.Read(off1))
	require.Equal(t, []byte("world, a longer payload this time"), b.Read(off2))
	require.EqualValues(t, len("hello"), b.SizeAt(off1))
}

func TestBlobStoreGrowsPastInitialSize(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.payloads")

	b, err := createBlobStore(fsys, path)
	require.NoError(t, err)
	defer b.Close()

	big := make([]byte, blobInitialSize)
	for i := range big {
		big[i] = byte(i)
	}

	off, err := b.Store(big)
	require.NoError(t, err)
	require.Greater(t, b.header.Total, uint64(blobInitialSize))
	require.Equal(t, big, b.Read(off))
}

func TestBlobStoreReadOutOfRangeIsNil(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.payloads")

	b, err := createBlobStore(fsys, path)
	require.NoError(t, err)
	defer b.Close()

	require.Nil(t, b.Read(0))
	require.Nil(t, b.Read(b.header.Used+1000))
}

func TestBlobStoreReopenPreservesRecords(t *testing.T) {
	fsys := vfs.NewReal()
	path := filepath.Join(t.TempDir(), "store.payloads")

	b, err := createBlobStore(fsys, path)
	require.NoError(t, err)

	off, err := b.Store([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2, err := openBlobStore(fsys, path)
	require.NoError(t, err)
	defer b2.Close()

	require.Equal(t, []byte("persisted"), b2.Read(off))
}
