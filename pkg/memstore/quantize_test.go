package memstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEmbedding(seed float32) []float32 {
	v := make([]float32, EmbedDim)
	for i := range v {
		v[i] = float32(math.Sin(float64(seed)+float64(i)*0.01)) * 3
	}

	return v
}

func TestQuantizeRoundTripIsApproximate(t *testing.T) {
	v := sampleEmbedding(1)
	q := QuantizeVector(v)
	back := q.ToFloat()

	require.Len(t, back, EmbedDim)

	for i := range v {
		require.InDelta(t, v[i], back[i], 0.1, "dim %d", i)
	}
}

func TestQuantizeDegenerateRangeDoesNotDivideByZero(t *testing.T) {
	v := make([]float32, EmbedDim)
	for i := range v {
		v[i] = 0.5
	}

	q := QuantizeVector(v)
	require.NotZero(t, q.Scale)

	back := q.ToFloat()
	for _, f := range back {
		require.InDelta(t, 0.5, f, 0.05)
	}
}

func TestCosineApproxAgreesWithExactOnIdenticalVectors(t *testing.T) {
	v := sampleEmbedding(2)
	q := QuantizeVector(v)

	require.InDelta(t, 1.0, float64(q.CosineApprox(q)), 0.02)
	require.InDelta(t, 1.0, float64(q.CosineExact(q)), 0.02)
}

func TestCosineApproxTracksExactOnDifferentVectors(t *testing.T) {
	a := QuantizeVector(sampleEmbedding(1))
	b := QuantizeVector(sampleEmbedding(5))

	approx := a.CosineApprox(b)
	exact := a.CosineExact(b)

	require.InDelta(t, float64(exact), float64(approx), 0.15)
}

func TestBinaryFromQuantizedMatchesSignBits(t *testing.T) {
	v := sampleEmbedding(3)
	q := QuantizeVector(v)
	b := BinaryFromQuantized(q)

	for i := 0; i < EmbedDim; i++ {
		want := q.Data[i] > 0
		got := b.Bits[i/8]&(1<<(i%8)) != 0
		require.Equal(t, want, got, "bit %d", i)
	}
}

func TestHammingSelfDistanceIsZero(t *testing.T) {
	b := BinaryFromFloat(sampleEmbedding(7))
	require.Zero(t, b.Hamming(b))
	require.Equal(t, float32(1.0), b.Similarity(b))
}

func TestHammingAndSimilarityAreComplementary(t *testing.T) {
	a := BinaryFromFloat(sampleEmbedding(1))
	b := BinaryFromFloat(sampleEmbedding(9))

	dist := a.Hamming(b)
	sim := a.Similarity(b)

	require.InDelta(t, 1.0-float64(dist)/float64(EmbedDim), float64(sim), 1e-6)
}

func TestHilbertKeyIsDeterministic(t *testing.T) {
	q := QuantizeVector(sampleEmbedding(4))

	k1 := HilbertKey(q)
	k2 := HilbertKey(q)

	require.Equal(t, k1, k2)
}
