package kvmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newReprIndex(vectors ...[]float32) *RepresentativeIndex {
	ri := NewRepresentativeIndex(1, 1, len(vectors[0]))
	for _, v := range vectors {
		row := NewTensor(1, 1, 1, len(v))
		for d, x := range v {
			row.Set(x, 0, 0, 0, d)
		}
		ri.Append(row)
	}
	return ri
}

func queryTensor(rows ...[]float32) *Tensor {
	q := NewTensor(1, 1, len(rows), len(rows[0]))
	for i, r := range rows {
		for d, x := range r {
			q.Set(x, 0, 0, i, d)
		}
	}
	return q
}

func TestSelector_SingleQueryPicksHighestScoringBlocks(t *testing.T) {
	// GIVEN three blocks whose representatives point along distinct directions
	ri := newReprIndex(
		[]float32{1, 0},
		[]float32{0, 1},
		[]float32{0.5, 0.5},
	)
	s := NewSelector(2)

	// WHEN the query aligns with the first axis
	topk := s.SelectSingle(queryTensor([]float32{2, 0}), ri)

	// THEN blocks 0 and 2 win (scores 2, 0, 1), reported in ascending id order
	assert.Equal(t, [][]int{{0, 2}}, topk)
}

func TestSelector_DegenerateReturnsAllBlocks(t *testing.T) {
	ri := newReprIndex([]float32{1, 0}, []float32{0, 1})
	s := NewSelector(4)

	topk := s.SelectSingle(queryTensor([]float32{1, 1}), ri)

	assert.Equal(t, [][]int{{0, 1}}, topk)
}

func TestSelector_EmptyIndexSelectsNothing(t *testing.T) {
	ri := NewRepresentativeIndex(1, 1, 2)
	s := NewSelector(1)

	topk := s.SelectSingle(queryTensor([]float32{1, 0}), ri)

	assert.Len(t, topk, 1)
	assert.Empty(t, topk[0])
}

func TestSelector_BatchedModeScoresEachWindowIndependently(t *testing.T) {
	ri := newReprIndex([]float32{1, 0}, []float32{0, 1})
	s := NewSelector(1)

	// GIVEN a 4-row query whose first window leans on block 0 and second on block 1
	q := queryTensor(
		[]float32{3, 0}, []float32{1, 0},
		[]float32{0, 1}, []float32{0, 3},
	)

	windows := s.SelectBatched(q, ri, 2)

	assert.Len(t, windows, 2)
	assert.Equal(t, [][]int{{0}}, windows[0])
	assert.Equal(t, [][]int{{1}}, windows[1])
}

func TestSelector_BatchedModeHandlesPartialLastWindow(t *testing.T) {
	ri := newReprIndex([]float32{1, 0}, []float32{0, 1})
	s := NewSelector(1)

	q := queryTensor([]float32{1, 0}, []float32{1, 0}, []float32{0, 1})

	windows := s.SelectBatched(q, ri, 2)

	assert.Len(t, windows, 2, "a 3-row query with window 2 yields one full and one short window")
	assert.Equal(t, [][]int{{0}}, windows[0])
	assert.Equal(t, [][]int{{1}}, windows[1])
}

func TestSelector_HeadAverageAcrossUnitSlots(t *testing.T) {
	// GIVEN a unit with two intra-unit slots disagreeing about block ranking
	ri := NewRepresentativeIndex(1, 2, 2)
	row := NewTensor(1, 2, 1, 2)
	row.Set(1, 0, 0, 0, 0) // block 0 repr, slot 0: (1,0)
	row.Set(1, 0, 1, 0, 1) // block 0 repr, slot 1: (0,1)
	ri.Append(row)
	row2 := NewTensor(1, 2, 1, 2)
	row2.Set(4, 0, 0, 0, 0) // block 1 repr, slot 0: (4,0)
	ri.Append(row2)

	q := NewTensor(1, 2, 1, 2)
	q.Set(1, 0, 0, 0, 0) // slot 0 query: (1,0)
	q.Set(1, 0, 1, 0, 1) // slot 1 query: (0,1)

	s := NewSelector(1)
	topk := s.SelectSingle(q, ri)

	// slot-averaged scores: block 0 = (1+1)/2 = 1, block 1 = (4+0)/2 = 2
	assert.Equal(t, [][]int{{1}}, topk)
}
