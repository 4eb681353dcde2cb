package kvmgr

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Selector computes top-k block indices given a query, in single or batched
// chunk mode. The scoring matmul (query-mean against the
// representative matrix) is done with gonum's mat.Dense per (unit,
// intra-unit slot) pair, then head-averaged.
type Selector struct {
	topk int
}

// NewSelector builds a Selector that picks topk blocks per unit.
func NewSelector(topk int) *Selector { return &Selector{topk: topk} }

// scoreUnits computes S_u = mean_over_unit_size(qMean . reprᵀ) for every unit,
// returning scores[u][blockID].
func (s *Selector) scoreUnits(qMean, repr *Tensor) [][]float64 {
	numUnits := qMean.Shape[0]
	unitSize := qMean.Shape[1]
	dimHead := qMean.Shape[3]
	numBlocks := repr.Shape[2]

	scores := make([][]float64, numUnits)
	for u := 0; u < numUnits; u++ {
		scores[u] = make([]float64, numBlocks)
		for slot := 0; slot < unitSize; slot++ {
			q := mat.NewDense(1, dimHead, nil)
			for d := 0; d < dimHead; d++ {
				q.Set(0, d, float64(qMean.At(u, slot, 0, d)))
			}
			r := mat.NewDense(dimHead, numBlocks, nil)
			for d := 0; d < dimHead; d++ {
				for b := 0; b < numBlocks; b++ {
					r.Set(d, b, float64(repr.At(u, slot, b, d)))
				}
			}
			var out mat.Dense
			out.Mul(q, r)
			for b := 0; b < numBlocks; b++ {
				scores[u][b] += out.At(0, b)
			}
		}
		for b := range scores[u] {
			scores[u][b] /= float64(unitSize)
		}
	}
	return scores
}

// SelectSingle implements the single-query mode: mean-pool global_q over L,
// score against representatives, head-average, top-k per unit. Degenerate
// when the representative index has at most topk rows: every index is
// returned per unit.
func (s *Selector) SelectSingle(globalQ *Tensor, repr *RepresentativeIndex) [][]int {
	numBlocks := repr.Len()
	numUnits := globalQ.Shape[0]
	if numBlocks == 0 {
		return make([][]int, numUnits)
	}
	qMean := MeanOverAxis(globalQ, 2)
	scores := s.scoreUnits(qMean, repr.Matrix())
	return topKPerUnit(scores, s.topk, numBlocks)
}

// SelectBatched implements batched chunk mode: split the L axis into
// consecutive windows of excBlockSize (the last may be shorter), mean-pool
// each window's Q, score once per window, top-k per (window, unit).
func (s *Selector) SelectBatched(globalQ *Tensor, repr *RepresentativeIndex, excBlockSize int) [][][]int {
	numBlocks := repr.Len()
	numUnits := globalQ.Shape[0]
	L := globalQ.Shape[2]

	var windows [][][]int
	for st := 0; st < L; st += excBlockSize {
		ed := st + excBlockSize
		if ed > L {
			ed = L
		}
		if numBlocks == 0 {
			windows = append(windows, make([][]int, numUnits))
			continue
		}
		qSlice := globalQ.SliceAxis(2, st, ed)
		qMean := MeanOverAxis(qSlice, 2)
		scores := s.scoreUnits(qMean, repr.Matrix())
		windows = append(windows, topKPerUnit(scores, s.topk, numBlocks))
	}
	return windows
}

// topKPerUnit selects, per unit row of scores, the topk highest-scoring
// block ids (ties broken by lower id), returned in ascending id order.
func topKPerUnit(scores [][]float64, topk, numBlocks int) [][]int {
	out := make([][]int, len(scores))
	if numBlocks <= topk {
		all := make([]int, numBlocks)
		for i := range all {
			all[i] = i
		}
		for u := range scores {
			out[u] = append([]int{}, all...)
		}
		return out
	}
	for u, row := range scores {
		idx := make([]int, numBlocks)
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(i, j int) bool {
			if row[idx[i]] != row[idx[j]] {
				return row[idx[i]] > row[idx[j]]
			}
			return idx[i] < idx[j]
		})
		sel := append([]int{}, idx[:topk]...)
		sort.Ints(sel)
		out[u] = sel
	}
	return out
}
