package memstore

import "encoding/binary"

// Fixed-size on-disk codecs for the dense per-slot arrays. These are
// hand-written encode/decode pairs rather than unsafe pointer overlays:
// every layout here is pinned by the external file format, and a codec
// function keeps that enforced by the type system instead of struct
// padding and host endianness.

func encodeQuantizedVector(buf []byte, q QuantizedVector) {
	for i := 0; i < EmbedDim; i++ {
		buf[i] = byte(q.Data[i])
	}

	binary.LittleEndian.PutUint32(buf[EmbedDim:EmbedDim+4], float32bits(q.Scale))
	binary.LittleEndian.PutUint32(buf[EmbedDim+4:EmbedDim+8], float32bits(q.Offset))
}

func decodeQuantizedVector(buf []byte) QuantizedVector {
	var q QuantizedVector

	for i := 0; i < EmbedDim; i++ {
		q.Data[i] = int8(buf[i])
	}

	q.Scale = float32frombits(binary.LittleEndian.Uint32(buf[EmbedDim : EmbedDim+4]))
	q.Offset = float32frombits(binary.LittleEndian.Uint32(buf[EmbedDim+4 : EmbedDim+8]))

	return q
}

func encodeBinaryVector(buf []byte, b BinaryVector) {
	copy(buf[:BinaryVectorSize], b.Bits[:])
}

func decodeBinaryVector(buf []byte) BinaryVector {
	var b BinaryVector
	copy(b.Bits[:], buf[:BinaryVectorSize])

	return b
}

func encodeNodeMeta(buf []byte, m NodeMeta) {
	copy(buf[0:16], m.ID[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.CreatedAt))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.AccessedAt))
	binary.LittleEndian.PutUint64(buf[32:40], m.VectorOffset)
	binary.LittleEndian.PutUint64(buf[40:48], m.PayloadOffset)
	binary.LittleEndian.PutUint64(buf[48:56], m.EdgeOffset)
	binary.LittleEndian.PutUint32(buf[56:60], float32bits(m.ConfidenceMu))
	binary.LittleEndian.PutUint32(buf[60:64], float32bits(m.ConfidenceSSq))
	binary.LittleEndian.PutUint32(buf[64:68], float32bits(m.DecayRate))
	binary.LittleEndian.PutUint32(buf[68:72], m.PayloadSize)
	buf[72] = byte(m.Type)
	buf[73] = byte(m.Tier)
	binary.LittleEndian.PutUint16(buf[74:76], m.Flags)
	binary.LittleEndian.PutUint32(buf[76:80], 0)
}

func decodeNodeMeta(buf []byte) NodeMeta {
	var m NodeMeta

	copy(m.ID[:], buf[0:16])
	m.CreatedAt = int64(binary.LittleEndian.Uint64(buf[16:24]))
	m.AccessedAt = int64(binary.LittleEndian.Uint64(buf[24:32]))
	m.VectorOffset = binary.LittleEndian.Uint64(buf[32:40])
	m.PayloadOffset = binary.LittleEndian.Uint64(buf[40:48])
	m.EdgeOffset = binary.LittleEndian.Uint64(buf[48:56])
	m.ConfidenceMu = float32frombits(binary.LittleEndian.Uint32(buf[56:60]))
	m.ConfidenceSSq = float32frombits(binary.LittleEndian.Uint32(buf[60:64]))
	m.DecayRate = float32frombits(binary.LittleEndian.Uint32(buf[64:68]))
	m.PayloadSize = binary.LittleEndian.Uint32(buf[68:72])
	m.Type = NodeType(buf[72])
	m.Tier = StorageTier(buf[73])
	m.Flags = binary.LittleEndian.Uint16(buf[74:76])

	return m
}

// edge list blob encoding: count-prefixed list of {target:16B, type:1B,
// weight:4B} records, stored in the .edges blob store.

func encodeEdgeList(edges []Edge) []byte {
	buf := make([]byte, 4+len(edges)*21)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(edges)))

	pos := 4
	for _, e := range edges {
		copy(buf[pos:pos+16], e.Target[:])
		buf[pos+16] = byte(e.Type)
		binary.LittleEndian.PutUint32(buf[pos+17:pos+21], float32bits(e.Weight))
		pos += 21
	}

	return buf
}

func decodeEdgeList(buf []byte) []Edge {
	if len(buf) < 4 {
		return nil
	}

	count := binary.LittleEndian.Uint32(buf[0:4])
	edges := make([]Edge, 0, count)

	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+21 > len(buf) {
			break
		}

		var target NodeID
		copy(target[:], buf[pos:pos+16])

		edges = append(edges, Edge{
			Target: target,
			Type:   EdgeType(buf[pos+16]),
			Weight: float32frombits(binary.LittleEndian.Uint32(buf[pos+17 : pos+21])),
		})

		pos += 21
	}

	return edges
}

// tag list encoding: count-prefixed list of length-prefixed strings. Live
// tags are held by the tag index, not a blob; this codec exists for the
// WAL entry, which carries a node's tags alongside its other fields so
// replay can reconstruct them without consulting the tag index.

func encodeTagList(tags []string) []byte {
	size := 4
	for _, t := range tags {
		size += 4 + len(t)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(tags)))

	pos := 4
	for _, t := range tags {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(t)))
		pos += 4
		copy(buf[pos:pos+len(t)], t)
		pos += len(t)
	}

	return buf
}

func decodeTagList(buf []byte, pos int) ([]string, int, bool) {
	if pos+4 > len(buf) {
		return nil, pos, false
	}

	count := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4

	tags := make([]string, 0, count)

	for i := uint32(0); i < count; i++ {
		if pos+4 > len(buf) {
			return nil, pos, false
		}

		tagLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4

		if pos+int(tagLen) > len(buf) {
			return nil, pos, false
		}

		tags = append(tags, string(buf[pos:pos+int(tagLen)]))
		pos += int(tagLen)
	}

	return tags, pos, true
}
