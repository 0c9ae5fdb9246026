package memstore

import (
	"hash/crc32"
	"math"
)

func crcSum(buf []byte) uint32 {
	return crc32.Checksum(buf, crcTable)
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

func float32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}
