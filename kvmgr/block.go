package kvmgr

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Location is a committed block's current storage tier.
type Location int

const (
	Resident Location = iota
	Evicted
)

// Block is a contiguous run of block_size tokens' K and V along the
// sequence axis, tagged with its append-order id, storage tier, usage score
// and load recency.
type Block struct {
	ID       int
	Location Location
	K        *TransferHandle
	V        *TransferHandle
	Score    float64
	Recency  int64
}

// BlockStore is the per-unit ordered list of committed blocks, each either
// resident (device) or evicted (host), with load/offload/evict following the
// configured CacheStrategy. Residency tracking is a per-unit set rather than
// a single shared free list, since block selection (and therefore residency)
// is independent per unit.
type BlockStore struct {
	strategy       CacheStrategy
	maxCachedBlock int
	blocks         [][]*Block      // blocks[u][id]
	resident       []map[int]bool  // resident[u][id] -> present
	log            *logrus.Entry
}

// NewBlockStore allocates an empty store for numUnits units.
func NewBlockStore(strategy CacheStrategy, maxCachedBlock, numUnits int) *BlockStore {
	bs := &BlockStore{
		strategy:       strategy,
		maxCachedBlock: maxCachedBlock,
		blocks:         make([][]*Block, numUnits),
		resident:       make([]map[int]bool, numUnits),
		log:            logrus.WithField("component", "blockstore"),
	}
	for u := range bs.blocks {
		bs.resident[u] = make(map[int]bool)
	}
	return bs
}

// NumBlocks returns the number of committed blocks for unit u.
func (bs *BlockStore) NumBlocks(u int) int { return len(bs.blocks[u]) }

// Block returns the block with the given id for unit u.
func (bs *BlockStore) Block(u, id int) *Block { return bs.blocks[u][id] }

// Resident reports whether block id is currently resident for unit u.
func (bs *BlockStore) Resident(u, id int) bool { return bs.resident[u][id] }

// ResidentIDs returns the ids currently resident for unit u, in ascending order.
func (bs *BlockStore) ResidentIDs(u int) []int {
	ids := make([]int, 0, len(bs.resident[u]))
	for id := range bs.resident[u] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Commit appends a new, not-yet-resident block built from k/v (already
// resolved host tensors) to unit u, queued for an eventual host->device
// transfer the first time it is loaded.
func (bs *BlockStore) Commit(u int, k, v *Tensor) *Block {
	id := len(bs.blocks[u])
	blk := &Block{
		ID:       id,
		Location: Evicted,
		K:        NewTransferHandle(k, identityCopy),
		V:        NewTransferHandle(v, identityCopy),
	}
	bs.blocks[u] = append(bs.blocks[u], blk)
	return blk
}

// Load pages block id for unit u into residency. If the block is already
// resident, only LRU refreshes its recency ticket; otherwise a fresh
// host->device TransferHandle pair is enqueued and the block is inserted into
// the resident set with the ticket appropriate to the configured strategy.
// Under LRU-S the usage score is residency-scoped: it restarts at zero on
// every load.
func (bs *BlockStore) Load(u, id int, ticket int64) (status string, err error) {
	if id < 0 || id >= len(bs.blocks[u]) {
		return "", fmt.Errorf("%w: block %d out of range for unit %d (have %d)", ErrInvariantViolation, id, u, len(bs.blocks[u]))
	}
	blk := bs.blocks[u][id]
	if bs.resident[u][id] {
		if bs.strategy == StrategyLRU {
			blk.Recency = ticket
		}
		return "already resident", nil
	}
	kT, err := blk.K.Resolve()
	if err != nil {
		return "", err
	}
	vT, err := blk.V.Resolve()
	if err != nil {
		return "", err
	}
	blk.K = NewTransferHandle(kT, identityCopy)
	blk.V = NewTransferHandle(vT, identityCopy)
	blk.Location = Resident
	bs.resident[u][id] = true
	if bs.strategy == StrategyLRUS {
		blk.Score = 0
	} else {
		blk.Recency = ticket
	}
	bs.log.WithFields(logrus.Fields{"unit": u, "block": id, "strategy": bs.strategy}).Debug("loaded block")
	return "loaded", nil
}

// offload moves a resident block back to the evicted tier.
func (bs *BlockStore) offload(u, id int) error {
	if !bs.resident[u][id] {
		return nil
	}
	blk := bs.blocks[u][id]
	kT, err := blk.K.Resolve()
	if err != nil {
		return err
	}
	vT, err := blk.V.Resolve()
	if err != nil {
		return err
	}
	blk.K = NewTransferHandle(kT, identityCopy)
	blk.V = NewTransferHandle(vT, identityCopy)
	blk.Location = Evicted
	delete(bs.resident[u], id)
	return nil
}

// Evict offloads blocks for unit u, lowest-value-first (tie-break lower id),
// until the resident count is within maxCachedBlock. Value is the recency
// ticket for lru/fifo, the accumulated score for lru-s.
func (bs *BlockStore) Evict(u int) ([]int, error) {
	var evicted []int
	for len(bs.resident[u]) > bs.maxCachedBlock {
		victim := bs.pickVictim(u)
		if err := bs.offload(u, victim); err != nil {
			return evicted, err
		}
		evicted = append(evicted, victim)
		bs.log.WithFields(logrus.Fields{"unit": u, "block": victim, "strategy": bs.strategy}).Debug("evicted block")
	}
	return evicted, nil
}

func (bs *BlockStore) pickVictim(u int) int {
	ids := bs.ResidentIDs(u)
	best := ids[0]
	bestVal := bs.evictionValue(u, best)
	for _, id := range ids[1:] {
		val := bs.evictionValue(u, id)
		if val < bestVal {
			best = id
			bestVal = val
		}
	}
	return best
}

func (bs *BlockStore) evictionValue(u, id int) float64 {
	blk := bs.blocks[u][id]
	if bs.strategy == StrategyLRUS {
		return blk.Score
	}
	return float64(blk.Recency)
}

// DecayAndAddScores decays every resident score for unit u by decay, then
// adds newScore[slot] to the block occupying that slot of blockMap (a slot
// with a negative id is skipped).
func (bs *BlockStore) DecayAndAddScores(u int, decay float64, blockMap []int, newScore []float64) {
	for id := range bs.resident[u] {
		bs.blocks[u][id].Score *= decay
	}
	for slot, id := range blockMap {
		if id < 0 {
			continue
		}
		bs.blocks[u][id].Score += newScore[slot]
	}
}
