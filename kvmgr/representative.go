package kvmgr

// RepresentativeIndex holds, per committed block and per (unit, unit_size)
// slot, a representative key vector used for top-k scoring. It grows along
// its third axis (one row per committed block) as blocks are committed, in
// lockstep across units: the Orchestrator commits one new block per unit per
// threshold crossing, keeping every unit's representative count equal to the
// committed-block count.
type RepresentativeIndex struct {
	numUnits int
	unitSize int
	dimHead  int
	data     *GrowVector // shape (numUnits, unitSize, capacity, dimHead), growth axis 2
}

// NewRepresentativeIndex creates an empty index for the given unit geometry.
func NewRepresentativeIndex(numUnits, unitSize, dimHead int) *RepresentativeIndex {
	return &RepresentativeIndex{
		numUnits: numUnits,
		unitSize: unitSize,
		dimHead:  dimHead,
		data:     NewGrowVector(2, []int{numUnits, unitSize, 0, dimHead}),
	}
}

// Append adds one representative-key row (shape (numUnits, unitSize, 1, dimHead)).
func (ri *RepresentativeIndex) Append(repr *Tensor) { ri.data.Append(repr) }

// Len returns the number of committed blocks represented (== num_global_block).
func (ri *RepresentativeIndex) Len() int { return ri.data.Len() }

// Matrix returns the occupied (numUnits, unitSize, Len(), dimHead) view.
func (ri *RepresentativeIndex) Matrix() *Tensor { return ri.data.GetData() }
