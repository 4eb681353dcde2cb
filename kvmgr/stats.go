package kvmgr

// Stats is a point-in-time snapshot of the manager's occupancy and paging
// counters, consumed by tests and the diagnostic CLI.
type Stats struct {
	// Length is the total number of tokens processed.
	Length int
	// NumGlobalBlock is the number of committed blocks per unit.
	NumGlobalBlock int
	// InitLen, LocalLen and RemainderLen are the current occupancies of the
	// initial prefix, the local window and the remainder.
	InitLen      int
	LocalLen     int
	RemainderLen int
	// InitExc reports whether the initial prefix is full and frozen.
	InitExc bool
	// NumUnits and UnitSize describe the unit geometry derived on the first
	// append.
	NumUnits int
	UnitSize int
	// ResidentBlocks[u] is the number of blocks currently resident for unit u.
	ResidentBlocks []int
	// Commits and Evictions count block commits and policy evictions over
	// the manager's lifetime.
	Commits   int64
	Evictions int64
	// TopkReadouts and ScoreReadouts count the synchronous host readouts of
	// top-k indices and block scores.
	TopkReadouts  int64
	ScoreReadouts int64
}

// Stats returns a snapshot of the manager's internal state. Before the first
// Append only Length is meaningful.
func (o *Orchestrator) Stats() Stats {
	s := Stats{Length: o.length}
	if !o.initialized {
		return s
	}
	s.NumGlobalBlock = o.numGlobalBlock
	s.InitLen = o.initK.Len()
	s.LocalLen = o.localK.Len()
	s.RemainderLen = o.remainderK.Len()
	s.InitExc = o.initExc
	s.NumUnits = o.numUnits
	s.UnitSize = o.unitSize
	s.ResidentBlocks = make([]int, o.numUnits)
	for u := range s.ResidentBlocks {
		s.ResidentBlocks[u] = len(o.store.ResidentIDs(u))
	}
	s.Commits = o.commits
	s.Evictions = o.evictions
	s.TopkReadouts = o.topkReadouts
	s.ScoreReadouts = o.scoreReadouts
	return s
}

// ResidentIDs returns the sorted resident block ids for unit u, for
// diagnostics.
func (o *Orchestrator) ResidentIDs(u int) []int {
	if !o.initialized {
		return nil
	}
	return o.store.ResidentIDs(u)
}

// RepresentativeMatrix exposes the representative-key index view, for
// diagnostics.
func (o *Orchestrator) RepresentativeMatrix() *Tensor {
	if !o.initialized {
		return nil
	}
	return o.repr.Matrix()
}

// BlockKV resolves and returns the K/V tensors of committed block id for
// unit u, regardless of its storage tier, for diagnostics.
func (o *Orchestrator) BlockKV(u, id int) (*Tensor, *Tensor, error) {
	blk := o.store.Block(u, id)
	k, err := blk.K.Resolve()
	if err != nil {
		return nil, nil, err
	}
	v, err := blk.V.Resolve()
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}
