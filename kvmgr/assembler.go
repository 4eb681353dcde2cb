package kvmgr

import (
	"fmt"
	"math"
	"sort"
)

// AssembleResult is what Assembler.Build produces for one chunk.
type AssembleResult struct {
	GlobalK, GlobalV *Tensor // shape (numUnits, unitSize, usedLen, dimHead)
	// SlidingWindowOffset/Size describe, within the assembled key space, the
	// key range the global attention stage must treat as the complement of
	// the local sliding window: a query at chunk-relative row i may attend
	// key kk only when kk <= SlidingWindowOffset - SlidingWindowSize + i.
	// SlidingWindowOffset is the buffer position one past the query-aligned
	// end of the remainder stretch; SlidingWindowSize is the local-window
	// length. Both zero when the remainder is omitted (ignoreRemainder set
	// and the initial prefix full), meaning the stage attends every key
	// unconditionally.
	SlidingWindowOffset int
	SlidingWindowSize   int
	// BlockMap[u][slot] is the block id occupying slot, for every unit.
	BlockMap [][]int
	BlockNum int
}

// Assembler owns an optional persistent device buffer and materialises the
// concatenated [selected blocks || initial || remainder] K/V tensors into it
// each chunk, reusing buffer slots whose occupant block id is unchanged
// to minimise copies.
type Assembler struct {
	numUnits     int
	unitSize     int
	dimHead      int
	blockSize    int
	maxCalcBlock int
	nInit        int
	nLocal       int
	useBuffer    bool

	bufferK, bufferV *Tensor // persistent, only allocated when useBuffer
	prevBlockMap     [][]int // per unit, slot -> block id, from the previous call
	prevInitSt       int
	prevInitEd       int
}

// NewAssembler sizes the persistent buffer to
// maxCalcBlock*blockSize + excBlockSize + blockSize + nInit
// (less excBlockSize+blockSize when ignoreRemainder is set). The remainder
// stretch assembled per chunk never exceeds excBlockSize+blockSize tokens,
// so the buffer only needs to be regrown in degenerate configurations;
// Build handles that transparently.
func NewAssembler(cfg Config, numUnits, unitSize, dimHead int) *Assembler {
	bMax := cfg.MaxCalcBlock*cfg.BlockSize + cfg.ExcBlockSize + cfg.BlockSize + cfg.NInit
	if cfg.IgnoreRemainder {
		bMax -= cfg.ExcBlockSize + cfg.BlockSize
	}
	a := &Assembler{
		numUnits:     numUnits,
		unitSize:     unitSize,
		dimHead:      dimHead,
		blockSize:    cfg.BlockSize,
		maxCalcBlock: cfg.MaxCalcBlock,
		nInit:        cfg.NInit,
		nLocal:       cfg.NLocal,
		useBuffer:    cfg.UseBuffer,
		prevBlockMap: make([][]int, numUnits),
		prevInitSt:   -1,
		prevInitEd:   -1,
	}
	if cfg.UseBuffer {
		a.bufferK = NewTensor(numUnits, unitSize, bMax, dimHead)
		a.bufferV = NewTensor(numUnits, unitSize, bMax, dimHead)
	}
	return a
}

// writeUnitSlice copies src (shape (1, unitSize, ln, dimHead)) into
// buf[u, :, offset:offset+ln, :].
func writeUnitSlice(buf *Tensor, u, offset int, src *Tensor) {
	unitSize := src.Shape[1]
	ln := src.Shape[2]
	dimHead := src.Shape[3]
	for s := 0; s < unitSize; s++ {
		for p := 0; p < ln; p++ {
			for d := 0; d < dimHead; d++ {
				buf.Set(src.At(0, s, p, d), u, s, offset+p, d)
			}
		}
	}
}

// ensureBuffer regrows the persistent buffer when a call needs more key
// positions than the construction-time estimate.
func (a *Assembler) ensureBuffer(needed int) {
	if a.bufferK.Shape[2] >= needed {
		return
	}
	newK := NewTensor(a.numUnits, a.unitSize, needed, a.dimHead)
	newV := NewTensor(a.numUnits, a.unitSize, needed, a.dimHead)
	copyInto(newK, a.bufferK, 2, 0)
	copyInto(newV, a.bufferV, 2, 0)
	a.bufferK, a.bufferV = newK, newV
	// slot contents were preserved, so the block map stays valid; the init
	// prefix region may have moved relative to nothing, so keep it too.
}

// Build assembles one chunk's global K/V buffer for every unit.
//
// topk[u] are the block ids this chunk selected for unit u (forced into the
// candidate set with score +Inf, and required to already be resident --
// callers must Load them via BlockStore before calling Build). lenQ is the
// chunk's query length: only remainder keys that at least one of the chunk's
// queries can see past its local window are materialised, which is what
// bounds the remainder stretch to lenQ+blockSize positions.
//
// initK/initV are the full (numUnits, unitSize, initLen, dimHead) initial
// prefix; remainderK/remainderV the full remainder tensor, with
// [remainderSt, remainderEd) the currently active window.
func (a *Assembler) Build(
	bs *BlockStore,
	topk [][]int, lenQ int,
	initK, initV *Tensor, initLen int,
	remainderK, remainderV *Tensor, remainderSt, remainderEd int,
	ignoreRemainder bool,
) (*AssembleResult, error) {
	numUnits := a.numUnits
	candidates := make([][]int, numUnits)
	blockNum := -1

	for u := 0; u < numUnits; u++ {
		forced := make(map[int]bool, len(topk[u]))
		for _, id := range topk[u] {
			forced[id] = true
			if !bs.Resident(u, id) {
				return nil, fmt.Errorf("%w: selected block %d not resident for unit %d", ErrInvariantViolation, id, u)
			}
		}
		type cand struct {
			id    int
			score float64
		}
		residentIDs := bs.ResidentIDs(u)
		cs := make([]cand, 0, len(residentIDs))
		for _, id := range residentIDs {
			sc := bs.Block(u, id).Score
			if sc > 1e8 {
				sc = 1e8
			}
			if forced[id] {
				sc = math.Inf(1)
			}
			cs = append(cs, cand{id, sc})
		}
		sort.SliceStable(cs, func(i, j int) bool {
			if cs[i].score != cs[j].score {
				return cs[i].score > cs[j].score
			}
			return cs[i].id < cs[j].id
		})
		if len(cs) > a.maxCalcBlock {
			cs = cs[:a.maxCalcBlock]
		}
		ids := make([]int, len(cs))
		for i, c := range cs {
			ids[i] = c.id
		}
		candidates[u] = ids
		if blockNum == -1 {
			blockNum = len(ids)
		} else if blockNum != len(ids) {
			return nil, fmt.Errorf("%w: block_num differs across units (%d vs %d)", ErrInvariantViolation, blockNum, len(ids))
		}
	}

	windowLen := remainderEd - remainderSt
	includeRemainder := !ignoreRemainder || initLen < a.nInit
	remainderLen := 0
	if includeRemainder {
		remainderLen = windowLen + lenQ - a.nLocal
		if remainderLen < 0 {
			remainderLen = 0
		}
	}
	needed := blockNum*a.blockSize + initLen + remainderLen

	var bufK, bufV *Tensor
	if a.useBuffer {
		a.ensureBuffer(needed)
		bufK, bufV = a.bufferK, a.bufferV
	} else {
		bufK = NewTensor(numUnits, a.unitSize, needed, a.dimHead)
		bufV = NewTensor(numUnits, a.unitSize, needed, a.dimHead)
	}

	blockMap := make([][]int, numUnits)
	for u := 0; u < numUnits; u++ {
		newMap := make([]int, blockNum)
		for i := range newMap {
			newMap[i] = -1
		}
		candSet := make(map[int]bool, blockNum)
		for _, id := range candidates[u] {
			candSet[id] = true
		}
		usedSlot := make([]bool, blockNum)
		if a.useBuffer {
			// slot-stable placement: a block that already sits at slot j in
			// the persistent buffer stays there, skipping the copy.
			if prev := a.prevBlockMap[u]; prev != nil {
				for slot, id := range prev {
					if slot >= blockNum || !candSet[id] {
						continue
					}
					newMap[slot] = id
					usedSlot[slot] = true
				}
			}
		}
		placed := make(map[int]bool, blockNum)
		for _, id := range newMap {
			if id >= 0 {
				placed[id] = true
			}
		}
		free := 0
		for _, id := range candidates[u] {
			if placed[id] {
				continue
			}
			for usedSlot[free] {
				free++
			}
			newMap[free] = id
			usedSlot[free] = true
			blk := bs.Block(u, id)
			kT, err := blk.K.Resolve()
			if err != nil {
				return nil, err
			}
			vT, err := blk.V.Resolve()
			if err != nil {
				return nil, err
			}
			writeUnitSlice(bufK, u, free*a.blockSize, kT)
			writeUnitSlice(bufV, u, free*a.blockSize, vT)
			free++
		}
		blockMap[u] = newMap
	}
	if a.useBuffer {
		a.prevBlockMap = blockMap
	}

	initSt := blockNum * a.blockSize
	initEd := initSt + initLen
	if !a.useBuffer || a.prevInitSt != initSt || a.prevInitEd != initEd {
		for u := 0; u < numUnits; u++ {
			writeUnitSlice(bufK, u, initSt, initK.SliceAxis(0, u, u+1))
			writeUnitSlice(bufV, u, initSt, initV.SliceAxis(0, u, u+1))
		}
		if a.useBuffer {
			a.prevInitSt, a.prevInitEd = initSt, initEd
		}
	}

	slidingOffset := 0
	slidingSize := 0
	writeLen := initEd
	if includeRemainder {
		if remainderLen > 0 {
			for u := 0; u < numUnits; u++ {
				rk := remainderK.SliceAxis(2, remainderSt, remainderSt+remainderLen).SliceAxis(0, u, u+1)
				rv := remainderV.SliceAxis(2, remainderSt, remainderSt+remainderLen).SliceAxis(0, u, u+1)
				writeUnitSlice(bufK, u, writeLen, rk)
				writeUnitSlice(bufV, u, writeLen, rv)
			}
			writeLen += remainderLen
		}
		slidingOffset = initEd + windowLen
		slidingSize = a.nLocal
	}

	return &AssembleResult{
		GlobalK:             bufK.SliceAxis(2, 0, writeLen),
		GlobalV:             bufV.SliceAxis(2, 0, writeLen),
		SlidingWindowOffset: slidingOffset,
		SlidingWindowSize:   slidingSize,
		BlockMap:            blockMap,
		BlockNum:            blockNum,
	}, nil
}
