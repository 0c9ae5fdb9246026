package memstore

import (
	"container/heap"
	"math/rand"
	"sort"
)

// randomLevel draws a node's layer assignment from a geometric
// distribution with parameter 1/M, capped at maxLevel — the standard
// HNSW level-sampling rule: each additional layer is exponentially
// rarer, giving the top layers O(log n) nodes.
func randomLevel(m uint32, maxLevel uint32) uint8 {
	if m < 2 {
		m = 2
	}

	p := 1.0 / float64(m)

	level := uint8(0)
	for rand.Float64() < p && uint32(level) < maxLevel {
		level++
	}

	return level
}

type graphCandidate struct {
	slot uint32
	dist float32
}

// candidateHeap is a min-heap ordered by distance, used to pick the
// next frontier node to expand.
type candidateHeap []graphCandidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(graphCandidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// resultHeap is a max-heap ordered by distance, used to evict the
// worst result once the frontier has collected ef candidates.
type resultHeap []graphCandidate

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(graphCandidate)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

func (idx *unifiedIndex) distance(query QuantizedVector, slot uint32) float32 {
	candidate := decodeQuantizedVector(idx.vectorBytes(slot))
	return 1 - query.CosineApprox(candidate)
}

func (idx *unifiedIndex) isLive(slot uint32) bool {
	return idx.node(slot).Flags&indexNodeFlagDeleted == 0
}

// searchLayerGreedy performs single-best-neighbor greedy descent at one
// layer, used to narrow down to a good entry point before switching to
// the wider frontier search at the target layer.
func (idx *unifiedIndex) searchLayerGreedy(query QuantizedVector, entry uint32, layer int) uint32 {
	curr := entry
	currDist := idx.distance(query, curr)

	for {
		improved := false

		edges, err := idx.conns.ReadLevel(idx.node(curr).ConnectionOffset, layer)
		if err != nil {
			break
		}

		for _, e := range edges {
			if !idx.isLive(e.Target) {
				continue
			}

			d := idx.distance(query, e.Target)
			if d < currDist {
				curr = e.Target
				currDist = d
				improved = true
			}
		}

		if !improved {
			return curr
		}
	}
}

// searchLayer expands the frontier from entryPoints at layer, bounded
// to ef results, via the standard two-heap HNSW traversal: a min-heap
// of candidates still to expand, and a max-heap of the best ef results
// seen so far.
func (idx *unifiedIndex) searchLayer(query QuantizedVector, entryPoints []uint32, layer int, ef int) []graphCandidate {
	visited := make(map[uint32]bool)

	var candidates candidateHeap
	var results resultHeap

	for _, e := range entryPoints {
		if visited[e] || !idx.isLive(e) {
			continue
		}

		visited[e] = true
		d := idx.distance(query, e)
		heap.Push(&candidates, graphCandidate{slot: e, dist: d})
		heap.Push(&results, graphCandidate{slot: e, dist: d})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(&candidates).(graphCandidate)

		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}

		edges, err := idx.conns.ReadLevel(idx.node(c.slot).ConnectionOffset, layer)
		if err != nil {
			continue
		}

		for _, e := range edges {
			if visited[e.Target] || !idx.isLive(e.Target) {
				continue
			}

			visited[e.Target] = true
			d := idx.distance(query, e.Target)

			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, graphCandidate{slot: e.Target, dist: d})
				heap.Push(&results, graphCandidate{slot: e.Target, dist: d})

				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]graphCandidate, len(results))
	copy(out, results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })

	return out
}

// selectNeighbors caps a candidate list at m, nearest first.
func selectNeighbors(candidates []graphCandidate, m int) []graphCandidate {
	if len(candidates) <= m {
		return candidates
	}

	return candidates[:m]
}

// insertIntoGraph links a freshly-allocated slot into the proximity
// graph per the construction algorithm: greedy descent from the
// current entry down to level+1, then at each layer from
// min(level,maxLevel) down to 0, a bounded frontier search followed by
// neighbor selection and bidirectional linking with fan-in pruning.
func (idx *unifiedIndex) insertIntoGraph(slot uint32, level uint8, q QuantizedVector) error {
	oldEntry, oldMaxLevel, haveEntry := idx.resolveEntryPoint()
	if haveEntry && oldEntry != idx.header.EntryPointSlot {
		idx.header.EntryPointSlot = oldEntry
		idx.header.MaxLevel = oldMaxLevel
	}

	if !haveEntry {
		idx.header.EntryPointSlot = slot
		idx.header.MaxLevel = uint32(level)

		return nil
	}

	curr := oldEntry

	for layer := int(oldMaxLevel); layer > int(level); layer-- {
		curr = idx.searchLayerGreedy(q, curr, layer)
	}

	levels := make([][]connEdge, level+1)
	entryPoints := []uint32{curr}

	top := int(level)
	if int(oldMaxLevel) < top {
		top = int(oldMaxLevel)
	}

	for layer := top; layer >= 0; layer-- {
		candidates := idx.searchLayer(q, entryPoints, layer, int(idx.header.GraphEfConstruction))

		mPrime := int(idx.cfg.GraphM)
		if layer == 0 {
			mPrime = 2 * int(idx.cfg.GraphM)
		}

		chosen := selectNeighbors(candidates, mPrime)

		edges := make([]connEdge, len(chosen))
		for i, c := range chosen {
			edges[i] = connEdge{Target: c.slot, Distance: c.dist}
		}

		levels[layer] = edges

		for _, c := range chosen {
			if err := idx.addReverseEdge(c.slot, layer, slot, c.dist, mPrime); err != nil {
				return err
			}
		}

		if len(chosen) > 0 {
			entryPoints = make([]uint32, len(chosen))
			for i, c := range chosen {
				entryPoints[i] = c.slot
			}
		}
	}

	offset, err := idx.conns.ReplaceRecord(idx.node(slot).ConnectionOffset, slot, levels)
	if err != nil {
		return err
	}

	n := idx.node(slot)
	n.ConnectionOffset = offset
	idx.setNode(slot, n)

	if uint32(level) >= oldMaxLevel {
		idx.header.EntryPointSlot = slot
		idx.header.MaxLevel = uint32(level)
	}

	return nil
}

// addReverseEdge adds an edge from neighbor to newSlot at layer, then
// prunes the neighbor's adjacency list at that layer to at most mPrime
// entries by distance — bounding fan-in so no node accumulates an
// unbounded in-degree as the graph grows.
func (idx *unifiedIndex) addReverseEdge(neighbor uint32, layer int, newSlot uint32, dist float32, mPrime int) error {
	n := idx.node(neighbor)

	slotID, levels, err := idx.conns.Read(n.ConnectionOffset)
	if err != nil {
		return err
	}

	for layer >= len(levels) {
		levels = append(levels, nil)
	}

	levels[layer] = append(levels[layer], connEdge{Target: newSlot, Distance: dist})

	if len(levels[layer]) > mPrime {
		sort.Slice(levels[layer], func(i, j int) bool { return levels[layer][i].Distance < levels[layer][j].Distance })
		levels[layer] = levels[layer][:mPrime]
	}

	newOffset, err := idx.conns.ReplaceRecord(n.ConnectionOffset, slotID, levels)
	if err != nil {
		return err
	}

	n.ConnectionOffset = newOffset
	idx.setNode(neighbor, n)

	return nil
}

// ScoredSlot is a search result: a slot and its similarity to the
// query, in [-1, 1], higher is closer.
type ScoredSlot struct {
	Slot  uint32
	Score float32
}

// twoPassThreshold is the live-node count below which the engine falls
// back to a single-pass search rather than running the wider two-stage
// first pass.
const twoPassThreshold = 1000

// Search runs a single-pass graph search: greedy descent through the
// upper layers, then one bounded frontier expansion at layer 0.
func (idx *unifiedIndex) Search(query []float32, k, ef int) []ScoredSlot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.searchLocked(query, k, ef)
}

func (idx *unifiedIndex) searchLocked(query []float32, k, ef int) []ScoredSlot {
	if k <= 0 {
		return nil
	}

	curr, maxLevel, ok := idx.resolveEntryPoint()
	if !ok {
		return nil
	}

	if ef <= 0 {
		ef = int(idx.cfg.GraphEfSearch)
	}

	q := QuantizeVector(query)

	for layer := int(maxLevel); layer > 0; layer-- {
		curr = idx.searchLayerGreedy(q, curr, layer)
	}

	candidates := idx.searchLayer(q, []uint32{curr}, 0, ef)

	return idx.topK(candidates, k)
}

// SearchTwoStage runs the two-pass ANN search: a wide first-pass graph
// traversal under approximate (int8) cosine distance, followed by an
// exact (dequantized) cosine rerank of the surviving candidates. Below
// twoPassThreshold live nodes it falls back to a plain single-pass
// search, since the rerank's benefit is negligible at that scale.
func (idx *unifiedIndex) SearchTwoStage(query []float32, k, firstPassK int) []ScoredSlot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 {
		return nil
	}

	if idx.header.NodeCount < twoPassThreshold {
		return idx.searchLocked(query, k, firstPassK)
	}

	curr, maxLevel, ok := idx.resolveEntryPoint()
	if !ok {
		return nil
	}

	if firstPassK < 10*k {
		firstPassK = 10 * k
	}

	if firstPassK < 200 {
		firstPassK = 200
	}

	q := QuantizeVector(query)

	for layer := int(maxLevel); layer > 0; layer-- {
		curr = idx.searchLayerGreedy(q, curr, layer)
	}

	firstPass := idx.searchLayer(q, []uint32{curr}, 0, firstPassK)

	type reranked struct {
		slot  uint32
		score float32
	}

	out := make([]reranked, 0, len(firstPass))

	for _, c := range firstPass {
		qf := decodeQuantizedVector(idx.vectorBytes(c.slot))
		out = append(out, reranked{slot: c.slot, score: q.CosineExact(qf)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}

		return out[i].slot < out[j].slot
	})

	if len(out) > k {
		out = out[:k]
	}

	result := make([]ScoredSlot, len(out))
	for i, r := range out {
		result[i] = ScoredSlot{Slot: r.slot, Score: r.score}
	}

	return result
}

func (idx *unifiedIndex) topK(candidates []graphCandidate, k int) []ScoredSlot {
	type scored struct {
		slot  uint32
		score float32
	}

	out := make([]scored, len(candidates))
	for i, c := range candidates {
		out[i] = scored{slot: c.slot, score: 1 - c.dist}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}

		return out[i].slot < out[j].slot
	})

	if len(out) > k {
		out = out[:k]
	}

	result := make([]ScoredSlot, len(out))
	for i, s := range out {
		result[i] = ScoredSlot{Slot: s.slot, Score: s.score}
	}

	return result
}
