package memstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/genomewalker/memstore/internal/storelog"
	"github.com/genomewalker/memstore/internal/vfs"
)

type walOp uint8

const (
	walOpInsert walOp = 1
	walOpUpdate walOp = 2
	walOpDelete walOp = 3
	walOpCheckpoint walOp = 4
)

const (
	walMagic       = "WALE"
	walHeaderSize  = 32
	walMaxPayload  = 64 << 20 // defensive cap: no single entry should ever approach this
	walMaxEdges    = 1 << 20
	walMaxTags     = 1 << 16
)

// wal is a single append-only file shared by every process that opens
// a store, providing durability and cross-process coordination. Its
// own flock is the only synchronization primitive between processes;
// within one process, a mutex keeps concurrent appenders from racing
// on the sequence-assignment scan.
type wal struct {
	mu sync.Mutex

	fsys vfs.FS
	path string

	// scanOffset/maxSeq cache how far this wal handle has scanned the
	// file and the highest sequence it has observed there. append()
	// refreshes both under the exclusive lock before assigning a new
	// sequence, so a peer process's appends are always accounted for.
	scanOffset int64
	maxSeq     uint64

	// syncOffset is the separate, independently-advancing cursor used
	// by Sync: where this handle last finished pulling in peer writes.
	syncOffset int64
}

func openWAL(fsys vfs.FS, path string) (*wal, error) {
	f, err := fsys.Create(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	w := &wal{fsys: fsys, path: path}

	maxSeq, validEnd, err := scanWAL(f, 0, func(walOp, Node, uint64) {})
	if err != nil {
		return nil, err
	}

	w.maxSeq = maxSeq
	w.scanOffset = validEnd
	w.syncOffset = validEnd

	return w, nil
}

// scanWAL reads sequential entries from f starting at fromOffset,
// calling fn for every decoded entry, and stops at the first corrupt
// or truncated entry rather than skipping past it — a torn tail is
// exactly what a half-written append looks like, and nothing durable
// can follow it since append always writes at the then-current end of
// file. Returns the highest sequence seen and the byte offset through
// which the file validated cleanly.
func scanWAL(f vfs.File, fromOffset int64, fn func(walOp, Node, uint64)) (uint64, int64, error) {
	var maxSeq uint64

	offset := fromOffset
	header := make([]byte, walHeaderSize)

	for {
		n, err := f.ReadAt(header, offset)
		if err != nil || n < walHeaderSize {
			break
		}

		if string(header[0:4]) != walMagic {
			break
		}

		length := binary.LittleEndian.Uint32(header[4:8])
		sequence := binary.LittleEndian.Uint64(header[8:16])
		op := walOp(header[24])
		wantCRC := binary.LittleEndian.Uint32(header[28:32])

		if length < walHeaderSize || uint64(length)-walHeaderSize > walMaxPayload {
			break
		}

		payload := make([]byte, length-walHeaderSize)

		n, err = f.ReadAt(payload, offset+walHeaderSize)
		if err != nil || uint32(n) != length-walHeaderSize {
			break
		}

		if crcSum(payload) != wantCRC {
			break
		}

		if sequence > maxSeq {
			maxSeq = sequence
		}

		if op != walOpCheckpoint {
			node, ok := deserializeWALNode(payload)
			if ok {
				fn(op, node, sequence)
			}
		}

		offset += int64(length)
	}

	return maxSeq, offset, nil
}

// Append serializes n, computes its CRC, takes the WAL's exclusive
// flock, re-scans any bytes written by peers since this handle's last
// look, assigns the next sequence under that lock, and writes the
// entry at the file's current end.
func (w *wal) Append(op walOp, n Node) (uint64, error) {
	return w.appendRaw(op, serializeWALNode(n))
}

// Checkpoint appends a marker record whose payload is the snapshot
// path, used to tell future replay that it need not look earlier than
// this point.
func (w *wal) Checkpoint(snapshotPath string) (uint64, error) {
	return w.appendRaw(walOpCheckpoint, []byte(snapshotPath))
}

func (w *wal) appendRaw(op walOp, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	locker := w.fsys.Locker()

	lock, err := locker.Lock(w.path)
	if err != nil {
		return 0, fmt.Errorf("lock wal for append: %w", err)
	}
	defer lock.Close()

	f, err := w.fsys.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open wal for append: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat wal: %w", err)
	}

	end := info.Size()

	if end > w.scanOffset {
		maxSeq, validEnd, err := scanWAL(f, w.scanOffset, func(walOp, Node, uint64) {})
		if err != nil {
			return 0, err
		}

		if maxSeq > w.maxSeq {
			w.maxSeq = maxSeq
		}

		w.scanOffset = validEnd
		end = validEnd
	}

	sequence := w.maxSeq + 1

	header := make([]byte, walHeaderSize)
	copy(header[0:4], walMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(walHeaderSize+len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], sequence)
	binary.LittleEndian.PutUint64(header[16:24], uint64(nowMillis()))
	header[24] = byte(op)
	binary.LittleEndian.PutUint32(header[28:32], crcSum(payload))

	if _, err := f.WriteAt(header, end); err != nil {
		return 0, fmt.Errorf("write wal header: %w", err)
	}

	if _, err := f.WriteAt(payload, end+walHeaderSize); err != nil {
		return 0, fmt.Errorf("write wal payload: %w", err)
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("fsync wal: %w", err)
	}

	w.maxSeq = sequence
	w.scanOffset = end + walHeaderSize + int64(len(payload))

	return sequence, nil
}

// ReplaySince reads every entry from the start of the log whose
// sequence is greater than seq, invoking fn for each. It holds a
// shared flock for the duration, so it never races a concurrent
// appender's torn write — it simply stops at whatever was durably
// complete when the lock was acquired.
func (w *wal) ReplaySince(seq uint64, fn func(walOp, Node, uint64)) error {
	locker := w.fsys.Locker()

	lock, err := locker.RLock(w.path)
	if err != nil {
		return fmt.Errorf("rlock wal for replay: %w", err)
	}
	defer lock.Close()

	f, err := w.fsys.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	_, validEnd, err := scanWAL(f, 0, func(op walOp, n Node, sequence uint64) {
		if sequence > seq {
			fn(op, n, sequence)
		}
	})
	if err != nil {
		return err
	}

	if info, statErr := f.Stat(); statErr == nil && validEnd < info.Size() {
		storelog.Warn(w.path, "wal replay stopped at a corrupt or truncated entry",
			"valid_end", validEnd, "file_size", info.Size())
	}

	return nil
}

// Sync pulls in any entries appended by peers since this handle's
// last Sync or open, resuming from its own remembered byte offset
// rather than rescanning the whole file.
func (w *wal) Sync(fn func(walOp, Node, uint64)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	locker := w.fsys.Locker()

	lock, err := locker.RLock(w.path)
	if err != nil {
		return fmt.Errorf("rlock wal for sync: %w", err)
	}
	defer lock.Close()

	f, err := w.fsys.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open wal for sync: %w", err)
	}
	defer f.Close()

	_, validEnd, err := scanWAL(f, w.syncOffset, fn)
	if err != nil {
		return err
	}

	w.syncOffset = validEnd

	return nil
}

// Truncate empties the log file but never resets the sequence counter
// — sequence numbers are never reused, so a truncated log still
// produces correctly-ordered sequences for future appends.
func (w *wal) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	locker := w.fsys.Locker()

	lock, err := locker.Lock(w.path)
	if err != nil {
		return fmt.Errorf("lock wal for truncate: %w", err)
	}
	defer lock.Close()

	f, err := w.fsys.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open wal for truncate: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}

	w.scanOffset = 0
	w.syncOffset = 0

	return nil
}

// serializeWALNode encodes a node for the WAL: id, type, timestamps,
// decay rate, confidence triple, the full float embedding, then
// length/count-prefixed payload, edges, and tags. This format is
// internal to the engine and carries no backward-compatibility
// requirement — an incompatible version drains the WAL rather than
// reading old entries.
func serializeWALNode(n Node) []byte {
	size := 16 + 1 + 8 + 8 + 4 + 4 + 4 + 4 + 8 + 4*EmbedDim
	size += 4 + len(n.Payload)
	size += 4 + len(n.Edges)*21
	size += len(encodeTagList(n.Tags))

	buf := make([]byte, size)
	pos := 0

	copy(buf[pos:pos+16], n.ID[:])
	pos += 16

	buf[pos] = byte(n.Type)
	pos++

	binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(n.CreatedAt))
	pos += 8

	binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(n.AccessedAt))
	pos += 8

	binary.LittleEndian.PutUint32(buf[pos:pos+4], float32bits(n.DecayRate))
	pos += 4

	binary.LittleEndian.PutUint32(buf[pos:pos+4], float32bits(n.Confidence.Mu))
	pos += 4

	binary.LittleEndian.PutUint32(buf[pos:pos+4], float32bits(n.Confidence.SigmaSq))
	pos += 4

	binary.LittleEndian.PutUint32(buf[pos:pos+4], n.Confidence.N)
	pos += 4

	binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(n.Confidence.Tau))
	pos += 8

	for _, f := range n.Embedding {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], float32bits(f))
		pos += 4
	}

	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(n.Payload)))
	pos += 4
	copy(buf[pos:pos+len(n.Payload)], n.Payload)
	pos += len(n.Payload)

	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(n.Edges)))
	pos += 4

	for _, e := range n.Edges {
		copy(buf[pos:pos+16], e.Target[:])
		buf[pos+16] = byte(e.Type)
		binary.LittleEndian.PutUint32(buf[pos+17:pos+21], float32bits(e.Weight))
		pos += 21
	}

	tagBytes := encodeTagList(n.Tags)
	copy(buf[pos:pos+len(tagBytes)], tagBytes)

	return buf
}

// deserializeWALNode decodes a node written by serializeWALNode,
// applying the same defensive size caps the reference implementation
// used against a corrupt or truncated record slipping past the header
// CRC check by coincidence.
func deserializeWALNode(buf []byte) (Node, bool) {
	const fixedSize = 16 + 1 + 8 + 8 + 4 + 4 + 4 + 4 + 8 + 4*EmbedDim

	if len(buf) < fixedSize+8 {
		return Node{}, false
	}

	var n Node

	pos := 0

	copy(n.ID[:], buf[pos:pos+16])
	pos += 16

	n.Type = NodeType(buf[pos])
	pos++

	n.CreatedAt = int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
	pos += 8

	n.AccessedAt = int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
	pos += 8

	n.DecayRate = float32frombits(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	n.Confidence.Mu = float32frombits(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	n.Confidence.SigmaSq = float32frombits(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	n.Confidence.N = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4

	n.Confidence.Tau = int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
	pos += 8

	n.Embedding = make([]float32, EmbedDim)
	for i := 0; i < EmbedDim; i++ {
		n.Embedding[i] = float32frombits(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
	}

	if pos+4 > len(buf) {
		return Node{}, false
	}

	payloadLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4

	if uint64(payloadLen) > walMaxPayload || pos+int(payloadLen) > len(buf) {
		return Node{}, false
	}

	if payloadLen > 0 {
		n.Payload = make([]byte, payloadLen)
		copy(n.Payload, buf[pos:pos+int(payloadLen)])
		pos += int(payloadLen)
	}

	if pos+4 > len(buf) {
		return Node{}, false
	}

	edgeCount := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4

	if edgeCount > walMaxEdges || pos+int(edgeCount)*21 > len(buf) {
		return Node{}, false
	}

	n.Edges = make([]Edge, edgeCount)
	for i := uint32(0); i < edgeCount; i++ {
		var target NodeID
		copy(target[:], buf[pos:pos+16])

		n.Edges[i] = Edge{
			Target: target,
			Type:   EdgeType(buf[pos+16]),
			Weight: float32frombits(binary.LittleEndian.Uint32(buf[pos+17 : pos+21])),
		}

		pos += 21
	}

	tags, newPos, ok := decodeTagList(buf, pos)
	if !ok || len(tags) > walMaxTags {
		return Node{}, false
	}

	pos = newPos
	n.Tags = tags

	return n, true
}
