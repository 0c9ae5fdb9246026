package memstore

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// EmbedDim is the fixed embedding width this store accepts; dynamic
// dimensionality is out of scope (see spec §1 Non-goals).
const EmbedDim = 384

// NodeID is a 128-bit opaque identifier, globally unique and stable for
// the lifetime of the item it names. It is represented as a UUID so that
// String/Parse produce canonical RFC 4122 text.
type NodeID uuid.UUID

// NilNodeID is the zero value, used as a sentinel where "no id" is needed.
var NilNodeID NodeID

// NewNodeID generates a fresh random NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the nil identifier.
func (id NodeID) IsZero() bool {
	return id == NilNodeID
}

// halves returns the id as two big-endian uint64 halves, matching the
// original source's {high, low} representation. The WAL and edge
// codecs do not use it; they copy the 16 id bytes directly.
func (id NodeID) halves() (hi, lo uint64) {
	b := id
	hi = uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	lo = uint64(b[8])<<56 | uint64(b[9])<<48 | uint64(b[10])<<40 | uint64(b[11])<<32 |
		uint64(b[12])<<24 | uint64(b[13])<<16 | uint64(b[14])<<8 | uint64(b[15])

	return hi, lo
}

func nodeIDFromHalves(hi, lo uint64) NodeID {
	var id NodeID

	id[0] = byte(hi >> 56)
	id[1] = byte(hi >> 48)
	id[2] = byte(hi >> 40)
	id[3] = byte(hi >> 32)
	id[4] = byte(hi >> 24)
	id[5] = byte(hi >> 16)
	id[6] = byte(hi >> 8)
	id[7] = byte(hi)
	id[8] = byte(lo >> 56)
	id[9] = byte(lo >> 48)
	id[10] = byte(lo >> 40)
	id[11] = byte(lo >> 32)
	id[12] = byte(lo >> 24)
	id[13] = byte(lo >> 16)
	id[14] = byte(lo >> 8)
	id[15] = byte(lo)

	return id
}

// nowMillis returns the current time as Unix milliseconds, matching the
// original source's Timestamp representation.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NodeType tags what kind of item a node represents. The engine treats
// it as an opaque byte it stores and returns; it never branches on the
// value.
type NodeType uint8

// The full enumeration carried over from the original source, minus its
// cognitive-layer connotations: the engine does not interpret any of
// these, it only stores and returns the tag.
const (
	NodeTypeWisdom NodeType = iota
	NodeTypeBelief
	NodeTypeIntention
	NodeTypeAspiration
	NodeTypeEpisode
	NodeTypeOperation
	NodeTypeInvariant
	NodeTypeIdentity
	NodeTypeTerm
	NodeTypeFailure
	NodeTypeDream
	NodeTypeVoice
	NodeTypeMeta
	NodeTypeGap
	NodeTypeQuestion
	NodeTypeStoryThread
	NodeTypeLedger
)

// EdgeType tags the relationship an edge represents. Opaque to the
// engine, same as NodeType.
type EdgeType uint8

const (
	EdgeTypeSimilar EdgeType = iota
	EdgeTypeAppliedIn
	EdgeTypeContradicts
	EdgeTypeSupports
	EdgeTypeEvolvedFrom
	EdgeTypePartOf
	EdgeTypeTriggeredBy
	EdgeTypeCreatedBy
	EdgeTypeScopedTo
	EdgeTypeAnswers
	EdgeTypeAddresses
	EdgeTypeContinues
)

// Edge is a typed, weighted connection to another node.
type Edge struct {
	Target NodeID
	Type   EdgeType
	Weight float32
}

// Confidence is a Bayesian belief triple, never a scalar: Mu is the
// current estimate, SigmaSq the uncertainty about that estimate, N the
// observation count. The engine stores and serializes all three;
// callers interpret them.
type Confidence struct {
	Mu      float32
	SigmaSq float32
	N       uint32
	Tau     int64 // last-updated timestamp, unix millis
}

// NewConfidence returns a Confidence centered on mean with default
// uncertainty and a single observation.
func NewConfidence(mean float32) Confidence {
	return Confidence{
		Mu:      clamp01(mean),
		SigmaSq: 0.1,
		N:       1,
		Tau:     nowMillis(),
	}
}

// CertainConfidence returns a Confidence with very low uncertainty and a
// large observation count, for values the caller wants treated as
// effectively settled (e.g. an immutable belief).
func CertainConfidence(mean float32) Confidence {
	return Confidence{
		Mu:      clamp01(mean),
		SigmaSq: 0.001,
		N:       100,
		Tau:     nowMillis(),
	}
}

// Observe folds a new observation into the triple via a Bayesian running
// update: the mean moves toward the observation by 1/n, and the variance
// estimate is updated from the observed delta.
func (c Confidence) Observe(observed float32) Confidence {
	c.N++
	alpha := 1.0 / float32(c.N)
	delta := observed - c.Mu
	c.Mu += alpha * delta
	c.SigmaSq = (1 - alpha) * (c.SigmaSq + alpha*delta*delta)
	c.Tau = nowMillis()

	return c
}

// Decay pulls the mean toward 0.5 and grows the uncertainty, modeling
// confidence eroding over days_elapsed at the given per-day rate. The
// engine never calls this on a schedule itself (decay scheduling is out
// of scope); it is exposed because a caller holding the triple
// reasonably expects its own update arithmetic to travel with it.
func (c Confidence) Decay(rate, daysElapsed float32) Confidence {
	factor := float32(math.Exp(float64(-rate * daysElapsed)))
	c.Mu = 0.5 + (c.Mu-0.5)*factor
	c.SigmaSq = minFloat32(c.SigmaSq+0.01*(1-factor), 0.25)
	c.Tau = nowMillis()

	return c
}

// Effective returns the mean penalized by uncertainty: a high-variance
// estimate is worth less than its raw mean suggests.
func (c Confidence) Effective() float32 {
	penalty := float32(math.Sqrt(float64(c.SigmaSq))) * 2
	return c.Mu * maxFloat32(1-penalty, 0)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}

func minFloat32(a, b float32) float32 {
	if a < b {
		return a
	}

	return b
}

func maxFloat32(a, b float32) float32 {
	if a > b {
		return a
	}

	return b
}

// Node is the caller-facing record: a 384-dimensional embedding plus
// metadata, payload, edges, and tags.
type Node struct {
	ID         NodeID
	Type       NodeType
	CreatedAt  int64
	AccessedAt int64
	DecayRate  float32
	Confidence Confidence
	Embedding  []float32 // len == EmbedDim
	Payload    []byte
	Edges      []Edge
	Tags       []string
}

// NewNode creates a Node with a fresh id and the engine's default
// confidence and decay rate, mirroring the original source's
// Node(type, embedding) constructor.
func NewNode(nodeType NodeType, embedding []float32) Node {
	now := nowMillis()

	return Node{
		ID:         NewNodeID(),
		Type:       nodeType,
		CreatedAt:  now,
		AccessedAt: now,
		DecayRate:  0.05,
		Confidence: NewConfidence(0.8),
		Embedding:  embedding,
	}
}

// Touch advances the access timestamp without otherwise altering the
// node. Store.Touch, which updates a stored slot the same way, skips the
// WAL, as does Store.UpdateConfidence.
func (n *Node) Touch() {
	n.AccessedAt = nowMillis()
}

// Immutable marks the node as never decaying with a near-certain
// confidence, matching the original source's Node::immutable helper.
func (n *Node) Immutable() {
	n.DecayRate = 0
	n.Confidence = CertainConfidence(1.0)
}
