package kvmgr

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Orchestrator is the manager's public entry point. It drives the per-chunk
// pipeline: local sliding-window attention on the compute stream overlapped
// with top-k selection, paging and buffer assembly on the global stream,
// followed by the global attention stage, the block-score update, eviction,
// and the rotation of aged-out remainder tokens into committed blocks.
//
// All state is owned exclusively by the Orchestrator; no concurrent external
// access is permitted. The two logical streams are a single goroutine plus,
// when AsyncGlobalStream is set, one helper goroutine per chunk joined
// before the global attention stage is submitted.
type Orchestrator struct {
	cfg         Config
	attnFactory AttentionFactory
	rope        RotaryEmbedder
	log         *logrus.Entry

	initialized bool
	initExc     bool

	batchSize  int
	numHeads   int
	numHeadsKV int
	dimHead    int
	numUnits   int
	unitSize   int

	length    int
	loadCount int64

	localK, localV         *GrowVector
	remainderK, remainderV *GrowVector
	remainderLocalScore    *GrowVector
	initK, initV           *GrowVector

	store     *BlockStore
	repr      *RepresentativeIndex
	selector  *Selector
	assembler *Assembler

	remainderSt    int
	remainderEd    int
	numGlobalBlock int

	// batched top-k state, valid within one Append call
	batchedTopk [][][]int
	topkCur     int

	commits       int64
	evictions     int64
	topkReadouts  int64
	scoreReadouts int64
}

// NewOrchestrator validates cfg and binds the external attention and rotary
// collaborators. Tensor-dependent state is allocated lazily on the first
// Append, when the head geometry becomes known.
func NewOrchestrator(cfg Config, factory AttentionFactory, rope RotaryEmbedder) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil || rope == nil {
		return nil, fmt.Errorf("%w: attention factory and rotary embedder are required", ErrConfigInvalid)
	}
	return &Orchestrator{
		cfg:         cfg,
		attnFactory: factory,
		rope:        rope,
		log:         logrus.WithField("component", "orchestrator"),
	}, nil
}

// Size returns the total number of tokens processed across all Append calls.
func (o *Orchestrator) Size() int { return o.length }

func (o *Orchestrator) initState(localQ, localK *Tensor) error {
	batch := localQ.Shape[0]
	heads := localQ.Shape[1]
	dim := localQ.Shape[3]
	headsKV := localK.Shape[1]
	if heads%headsKV != 0 {
		return fmt.Errorf("%w: num_heads (%d) not divisible by num_heads_kv (%d)", ErrShapeMismatch, heads, headsKV)
	}
	o.batchSize = batch
	o.numHeads = heads
	o.numHeadsKV = headsKV
	o.dimHead = dim
	if o.cfg.Perhead {
		o.numUnits = batch * heads
		o.unitSize = 1
	} else {
		o.numUnits = batch
		o.unitSize = heads
	}

	o.localK = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0, dim})
	o.localV = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0, dim})
	o.remainderK = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0, dim})
	o.remainderV = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0, dim})
	o.remainderLocalScore = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0})
	o.initK = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0, dim})
	o.initV = NewGrowVector(2, []int{o.numUnits, o.unitSize, 0, dim})

	o.store = NewBlockStore(o.cfg.CacheStrategy, o.cfg.MaxCachedBlock, o.numUnits)
	o.repr = NewRepresentativeIndex(o.numUnits, o.unitSize, dim)
	o.selector = NewSelector(o.cfg.Topk)
	o.assembler = NewAssembler(o.cfg, o.numUnits, o.unitSize, dim)

	if err := o.rope.PrecomputeTables(o.cfg.NLocal+o.cfg.ExcBlockSize+1, "float32", "cpu", dim); err != nil {
		return err
	}
	if o.cfg.NInit == 0 {
		o.initExc = true
	}
	o.initialized = true
	o.log.WithFields(logrus.Fields{
		"num_units": o.numUnits,
		"unit_size": o.unitSize,
		"dim_head":  dim,
	}).Debug("initialized context manager")
	return nil
}

func (o *Orchestrator) checkShapes(tensors ...*Tensor) error {
	L := tensors[0].Shape[2]
	for i, t := range tensors {
		if len(t.Shape) != 4 {
			return fmt.Errorf("%w: input %d has rank %d, want 4", ErrShapeMismatch, i, len(t.Shape))
		}
		if t.Shape[0] != o.batchSize {
			return fmt.Errorf("%w: input %d batch %d, want %d", ErrShapeMismatch, i, t.Shape[0], o.batchSize)
		}
		if t.Shape[1] != o.numHeads && t.Shape[1] != o.numHeadsKV {
			return fmt.Errorf("%w: input %d has %d heads, want %d or %d", ErrShapeMismatch, i, t.Shape[1], o.numHeads, o.numHeadsKV)
		}
		if t.Shape[2] != L {
			return fmt.Errorf("%w: input %d length %d differs from %d", ErrShapeMismatch, i, t.Shape[2], L)
		}
		if t.Shape[3] != o.dimHead {
			return fmt.Errorf("%w: input %d head dim %d, want %d", ErrShapeMismatch, i, t.Shape[3], o.dimHead)
		}
	}
	return nil
}

// flatToUnit relabels a (batch, numHeads, L, dim) tensor as
// (numUnits, unitSize, L, dim). Both layouts are row-major over the same
// elements, so no data moves. Tensors carrying numHeadsKV heads must be
// broadcast to numHeads first.
func (o *Orchestrator) flatToUnit(t *Tensor) *Tensor {
	return &Tensor{Shape: []int{o.numUnits, o.unitSize, t.Shape[2], t.Shape[3]}, Data: t.Data}
}

func (o *Orchestrator) toUnitQ(t *Tensor) *Tensor {
	return o.flatToUnit(t)
}

func (o *Orchestrator) toUnitKV(t *Tensor) *Tensor {
	return o.flatToUnit(broadcastHeads(t, o.numHeads/o.numHeadsKV))
}

// Append feeds L new tokens' projections through the manager and returns the
// combined local+global attention output, shaped (batch, numHeads, L, dim).
// localQ/globalQ carry numHeads heads; the K/V inputs carry numHeadsKV heads
// and are broadcast over the grouped-query factor.
func (o *Orchestrator) Append(localQ, localK, localV, globalQ, globalK, globalV *Tensor) (*Tensor, error) {
	for i, t := range []*Tensor{localQ, localK, localV, globalQ, globalK, globalV} {
		if t == nil {
			return nil, fmt.Errorf("%w: input %d is nil", ErrShapeMismatch, i)
		}
		if len(t.Shape) != 4 {
			return nil, fmt.Errorf("%w: input %d has rank %d, want 4", ErrShapeMismatch, i, len(t.Shape))
		}
	}
	if !o.initialized {
		if err := o.initState(localQ, localK); err != nil {
			return nil, err
		}
	}
	if err := o.checkShapes(localQ, localK, localV, globalQ, globalK, globalV); err != nil {
		return nil, err
	}

	L := localQ.Shape[2]
	lqU := o.toUnitQ(localQ)
	lkU := o.toUnitKV(localK)
	lvU := o.toUnitKV(localV)
	gqU := o.toUnitQ(globalQ)
	gkU := o.toUnitKV(globalK)
	gvU := o.toUnitKV(globalV)

	o.localK.Append(lkU)
	o.localV.Append(lvU)
	kvLength := o.localK.Len()

	// The new tokens join the remainder immediately; the ed marker trails
	// them and advances chunk by chunk as they are processed.
	o.remainderSt = 0
	o.remainderEd = o.remainderK.Len()
	o.remainderK.Append(gkU)
	o.remainderV.Append(gvU)
	o.remainderLocalScore.Append(NewTensor(o.numUnits, o.unitSize, L))

	// Block keys are stored without rotation and attended as distant
	// context, so global queries are pre-rotated once, at an absolute
	// offset equal to the local-window size.
	gqRot, err := o.rope.ApplyOneAngle(gqU, o.cfg.NLocal)
	if err != nil {
		return nil, err
	}

	useChunkTopk := o.cfg.ChunkTopkCalc > 0 && L > 1
	o.batchedTopk = nil
	chunksPerSuper := 0
	if useChunkTopk {
		chunksPerSuper = o.cfg.ChunkTopkCalc / o.cfg.ExcBlockSize
	}

	out := NewTensor(o.numUnits, o.unitSize, L, o.dimHead)
	chunkIdx := 0
	for st := 0; st < L; st += o.cfg.ExcBlockSize {
		ed := min(st+o.cfg.ExcBlockSize, L)
		if useChunkTopk && chunkIdx%chunksPerSuper == 0 {
			superEd := min(st+o.cfg.ChunkTopkCalc, L)
			o.batchedTopk = o.selector.SelectBatched(gqRot.SliceAxis(2, st, superEd), o.repr, o.cfg.ExcBlockSize)
			o.topkCur = 0
			o.topkReadouts++
		}

		kvSt := max(kvLength+st-L-o.cfg.NLocal, 0)
		kvEd := kvLength + ed - L
		chunkOut, localScore, err := o.appendChunk(
			lqU.SliceAxis(2, st, ed),
			o.localK.Slice(kvSt, kvEd),
			o.localV.Slice(kvSt, kvEd),
			gqRot.SliceAxis(2, st, ed),
		)
		if err != nil {
			return nil, err
		}
		copyInto(out, chunkOut, 2, st)

		if err := o.appendGlobal(ed-st, kvEd-kvSt, localScore); err != nil {
			return nil, err
		}
		chunkIdx++
	}

	o.length += L
	if o.localK.Len() > o.cfg.NLocal {
		drop := o.localK.Len() - o.cfg.NLocal
		o.localK.Truncate(drop)
		o.localV.Truncate(drop)
	}
	if o.remainderSt > 0 {
		o.remainderK.Truncate(o.remainderSt)
		o.remainderV.Truncate(o.remainderSt)
		o.remainderLocalScore.Truncate(o.remainderSt)
		o.remainderEd -= o.remainderSt
		o.remainderSt = 0
	}

	return &Tensor{Shape: []int{o.batchSize, o.numHeads, L, o.dimHead}, Data: out.Data}, nil
}

type globalStageResult struct {
	res  *AssembleResult
	topk [][]int
	err  error
}

// appendChunk runs one execution chunk: the local attention stage on the
// compute stream overlapped with top-k + paging + assembly on the global
// stream, then the global stage, score update and eviction. It returns the
// chunk output and the local stage's per-key score mass, summed over the
// chunk's queries.
func (o *Orchestrator) appendChunk(localQ, localKs, localVs, globalQ *Tensor) (*Tensor, *Tensor, error) {
	globalWork := func() globalStageResult {
		var topk [][]int
		if o.batchedTopk != nil {
			topk = o.batchedTopk[o.topkCur]
			o.topkCur++
		} else {
			topk = o.selector.SelectSingle(globalQ, o.repr)
			o.topkReadouts++
		}
		for u := 0; u < o.numUnits; u++ {
			for _, id := range topk[u] {
				o.loadCount++
				if _, err := o.store.Load(u, id, o.loadCount); err != nil {
					return globalStageResult{err: err}
				}
			}
		}
		res, err := o.assembler.Build(
			o.store, topk, globalQ.Shape[2],
			o.initK.GetData(), o.initV.GetData(), o.initK.Len(),
			o.remainderK.GetData(), o.remainderV.GetData(), o.remainderSt, o.remainderEd,
			o.cfg.IgnoreRemainder,
		)
		return globalStageResult{res: res, topk: topk, err: err}
	}

	var ch chan globalStageResult
	if o.cfg.AsyncGlobalStream {
		ch = make(chan globalStageResult, 1)
		go func() { ch <- globalWork() }()
	}

	attn := o.attnFactory(append([]int{}, localQ.Shape...), "float32", "cpu")

	hq, hk, err := o.rope.ApplyPair(localQ, localKs)
	if err != nil {
		return nil, nil, err
	}
	if err := attn.Push(hq, hk, localVs, StageOptions{
		SlidingWindowSize: o.cfg.NLocal,
		RequestScores:     true,
	}); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPrimitiveFailed, err)
	}

	var gr globalStageResult
	if o.cfg.AsyncGlobalStream {
		gr = <-ch
	} else {
		gr = globalWork()
	}
	if gr.err != nil {
		return nil, nil, gr.err
	}
	res := gr.res

	if err := attn.Push(globalQ, res.GlobalK, res.GlobalV, StageOptions{
		SlidingWindowOffset:     res.SlidingWindowOffset,
		SlidingWindowSize:       res.SlidingWindowSize,
		ComplementSlidingWindow: true,
		RequestScores:           o.cfg.CalcBlockScore,
		End:                     true,
	}); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPrimitiveFailed, err)
	}
	output, scores, err := attn.Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPrimitiveFailed, err)
	}
	if len(scores) == 0 || scores[0] == nil {
		return nil, nil, fmt.Errorf("%w: primitive returned no local-stage scores", ErrInvariantViolation)
	}
	localScore := sumOverQueries(scores[0])

	if o.cfg.CacheStrategy != StrategyLRUS {
		if err := o.evictAll(); err != nil {
			return nil, nil, err
		}
	}
	if o.cfg.CalcBlockScore && len(scores) > 1 && scores[1] != nil {
		o.updateScores(scores[1], res.BlockMap, res.BlockNum)
		o.scoreReadouts++
	}
	if o.cfg.CacheStrategy == StrategyLRUS {
		if err := o.evictAll(); err != nil {
			return nil, nil, err
		}
	}

	return output, localScore, nil
}

// sumOverQueries collapses a (numUnits, unitSize, lenQ, lenK) score tensor
// to (numUnits, unitSize, lenK): the total probability mass each key
// received across the chunk's queries.
func sumOverQueries(score *Tensor) *Tensor {
	U, S, Lq, Lk := score.Shape[0], score.Shape[1], score.Shape[2], score.Shape[3]
	out := NewTensor(U, S, Lk)
	for u := 0; u < U; u++ {
		for s := 0; s < S; s++ {
			for k := 0; k < Lk; k++ {
				sum := float32(0)
				for q := 0; q < Lq; q++ {
					sum += score.At(u, s, q, k)
				}
				out.Set(sum, u, s, k)
			}
		}
	}
	return out
}

func (o *Orchestrator) evictAll() error {
	for u := 0; u < o.numUnits; u++ {
		ev, err := o.store.Evict(u)
		if err != nil {
			return err
		}
		o.evictions += int64(len(ev))
	}
	return nil
}

// updateScores folds the global stage's per-key score mass back into the
// resident blocks: restrict to the packed selected-block columns, mean over
// queries, sum over block positions and intra-unit slots, then decay and add
// per block-map slot. The fold-to-host is the one synchronous readout of the
// score path.
func (o *Orchestrator) updateScores(globalScore *Tensor, blockMap [][]int, blockNum int) {
	if blockNum == 0 {
		return
	}
	bs := o.cfg.BlockSize
	Lq := globalScore.Shape[2]
	for u := 0; u < o.numUnits; u++ {
		newScore := make([]float64, blockNum)
		for slot := 0; slot < blockNum; slot++ {
			sum := 0.0
			for s := 0; s < o.unitSize; s++ {
				for q := 0; q < Lq; q++ {
					for p := 0; p < bs; p++ {
						sum += float64(globalScore.At(u, s, q, slot*bs+p))
					}
				}
			}
			newScore[slot] = sum / float64(Lq)
		}
		o.store.DecayAndAddScores(u, o.cfg.ScoreDecay, blockMap[u], newScore)
	}
}

// appendGlobal rolls the remainder forward after one chunk: advance the ed
// marker over the chunk's tokens, accumulate the local-attention score each
// remainder position received as key, absorb head tokens into the initial
// prefix until it is full, and commit aged-out block_size runs as new
// blocks.
func (o *Orchestrator) appendGlobal(excLength, kvLength int, localScore *Tensor) error {
	if localScore.Shape[2] != kvLength {
		return fmt.Errorf("%w: local score covers %d keys, want %d", ErrInvariantViolation, localScore.Shape[2], kvLength)
	}
	o.remainderEd += excLength

	tail := min(kvLength, excLength+o.cfg.NLocal)
	scoreTail := localScore.SliceAxis(2, kvLength-tail, kvLength)
	o.remainderLocalScore.AddInto(o.remainderEd-tail, scoreTail)

	if !o.initExc {
		remLen := o.remainderEd - o.remainderSt
		if remLen > o.cfg.NLocal {
			cnt := min(o.cfg.NInit-o.initK.Len(), remLen-o.cfg.NLocal)
			if cnt > 0 {
				o.initK.Append(o.remainderK.Slice(o.remainderSt, o.remainderSt+cnt))
				o.initV.Append(o.remainderV.Slice(o.remainderSt, o.remainderSt+cnt))
				o.remainderSt += cnt
			}
			if o.initK.Len() == o.cfg.NInit {
				o.initExc = true
			}
		}
	}

	for (o.remainderEd-o.remainderSt)-o.cfg.BlockSize >= o.cfg.NLocal {
		st := o.remainderSt
		ed := st + o.cfg.BlockSize
		kBlock := o.remainderK.Slice(st, ed)
		vBlock := o.remainderV.Slice(st, ed)
		scoreBlock := o.remainderLocalScore.Slice(st, ed)
		for u := 0; u < o.numUnits; u++ {
			o.store.Commit(u, kBlock.SliceAxis(0, u, u+1), vBlock.SliceAxis(0, u, u+1))
		}
		o.repr.Append(o.representative(kBlock, scoreBlock))
		o.numGlobalBlock++
		o.commits++
		o.remainderSt += o.cfg.BlockSize
		o.log.WithFields(logrus.Fields{
			"block":  o.numGlobalBlock - 1,
			"length": o.length,
		}).Debug("committed block")
	}
	return nil
}

// representative forms the representative-key row for a freshly committed
// block: per (unit, slot), the mean of the K rows at the reprTopk positions
// with the highest accumulated local-attention score.
func (o *Orchestrator) representative(kBlock, scoreBlock *Tensor) *Tensor {
	B := kBlock.Shape[2]
	n := min(o.cfg.ReprTopk, B)
	out := NewTensor(o.numUnits, o.unitSize, 1, o.dimHead)
	for u := 0; u < o.numUnits; u++ {
		for s := 0; s < o.unitSize; s++ {
			pos := make([]int, B)
			for p := range pos {
				pos[p] = p
			}
			sort.SliceStable(pos, func(i, j int) bool {
				return scoreBlock.At(u, s, pos[i]) > scoreBlock.At(u, s, pos[j])
			})
			for d := 0; d < o.dimHead; d++ {
				sum := float32(0)
				for _, p := range pos[:n] {
					sum += kBlock.At(u, s, p, d)
				}
				out.Set(sum/float32(n), u, s, 0, d)
			}
		}
	}
	return out
}
