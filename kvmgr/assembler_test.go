package kvmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqKV builds a (1, 1, n, 2) tensor whose rows carry base, base+1, ... in
// component 0, making buffer placement checkable by value.
func seqKV(base, n int) *Tensor {
	t := NewTensor(1, 1, n, 2)
	for p := 0; p < n; p++ {
		t.Set(float32(base+p), 0, 0, p, 0)
	}
	return t
}

func assemblerConfig() Config {
	cfg := validConfig()
	cfg.MaxCalcBlock = 2
	return cfg
}

func newLoadedStore(t *testing.T, numBlocks int, loaded ...int) *BlockStore {
	t.Helper()
	bs := NewBlockStore(StrategyLRU, 4, 1)
	for i := 0; i < numBlocks; i++ {
		bs.Commit(0, seqKV(10*(i+1), 2), seqKV(100*(i+1), 2))
	}
	var ticket int64
	for _, id := range loaded {
		ticket++
		_, err := bs.Load(0, id, ticket)
		require.NoError(t, err)
	}
	return bs
}

func TestAssembler_BuildConcatenatesBlocksInitAndRemainder(t *testing.T) {
	// GIVEN two resident blocks, a 2-token initial prefix and a 6-token remainder window
	cfg := assemblerConfig()
	a := NewAssembler(cfg, 1, 1, 2)
	bs := newLoadedStore(t, 2, 0, 1)
	initK, initV := seqKV(1, 2), seqKV(200, 2)
	remK, remV := seqKV(30, 6), seqKV(300, 6)

	// WHEN building for a 2-query chunk
	res, err := a.Build(bs, [][]int{{0, 1}}, 2, initK, initV, 2, remK, remV, 0, 6, false)
	require.NoError(t, err)

	// THEN the key space is [block0 | block1 | init | remainder-past-the-window]
	assert.Equal(t, 2, res.BlockNum)
	assert.Equal(t, [][]int{{0, 1}}, res.BlockMap)
	require.Equal(t, 10, res.GlobalK.Shape[2], "2 blocks + 2 init + (6+2-4) remainder keys")
	wantK := []float32{10, 11, 20, 21, 1, 2, 30, 31, 32, 33}
	for p, w := range wantK {
		assert.Equal(t, w, res.GlobalK.At(0, 0, p, 0), "key position %d", p)
	}
	// the window descriptor points one past the query-aligned remainder end
	assert.Equal(t, 12, res.SlidingWindowOffset)
	assert.Equal(t, cfg.NLocal, res.SlidingWindowSize)
}

func TestAssembler_SlotStabilityAcrossCalls(t *testing.T) {
	// GIVEN a first build that placed blocks 0 and 1 at slots 0 and 1
	cfg := assemblerConfig()
	a := NewAssembler(cfg, 1, 1, 2)
	bs := newLoadedStore(t, 3, 0, 1)
	initK, initV := NewTensor(1, 1, 0, 2), NewTensor(1, 1, 0, 2)
	remK, remV := seqKV(30, 6), seqKV(300, 6)

	res1, err := a.Build(bs, [][]int{{0, 1}}, 2, initK, initV, 0, remK, remV, 0, 6, false)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1}}, res1.BlockMap)

	// WHEN block 0 leaves residency and block 2 arrives
	require.NoError(t, bs.offload(0, 0))
	_, err = bs.Load(0, 2, 10)
	require.NoError(t, err)

	res2, err := a.Build(bs, [][]int{{1, 2}}, 2, initK, initV, 0, remK, remV, 0, 6, false)
	require.NoError(t, err)

	// THEN block 1 keeps its slot and block 2 takes the freed one
	assert.Equal(t, [][]int{{2, 1}}, res2.BlockMap)
	assert.Equal(t, float32(30), res2.GlobalK.At(0, 0, 0, 0), "slot 0 rewritten with block 2")
	assert.Equal(t, float32(20), res2.GlobalK.At(0, 0, 2, 0), "slot 1 untouched")
}

func TestAssembler_SelectedBlockMustBeResident(t *testing.T) {
	cfg := assemblerConfig()
	a := NewAssembler(cfg, 1, 1, 2)
	bs := newLoadedStore(t, 2, 0) // block 1 committed but never loaded
	empty := NewTensor(1, 1, 0, 2)

	_, err := a.Build(bs, [][]int{{1}}, 2, empty, empty, 0, seqKV(0, 4), seqKV(0, 4), 0, 4, false)

	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestAssembler_BlockNumMustAgreeAcrossUnits(t *testing.T) {
	// GIVEN two units with unequal residency pools
	cfg := assemblerConfig()
	a := NewAssembler(cfg, 2, 1, 2)
	bs := NewBlockStore(StrategyLRU, 4, 2)
	for u := 0; u < 2; u++ {
		bs.Commit(u, NewTensor(1, 1, 2, 2), NewTensor(1, 1, 2, 2))
	}
	_, err := bs.Load(0, 0, 1)
	require.NoError(t, err)
	// unit 1 deliberately keeps nothing resident

	empty2 := NewTensor(2, 1, 0, 2)
	rem := NewTensor(2, 1, 4, 2)
	_, err = a.Build(bs, [][]int{{0}, {}}, 2, empty2, empty2, 0, rem, rem, 0, 4, false)

	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestAssembler_IgnoreRemainderOmitsRemainderOnceInitFull(t *testing.T) {
	cfg := assemblerConfig()
	cfg.IgnoreRemainder = true
	a := NewAssembler(cfg, 1, 1, 2)
	bs := newLoadedStore(t, 1, 0)
	remK, remV := seqKV(30, 6), seqKV(300, 6)

	// WHEN the initial prefix is full
	res, err := a.Build(bs, [][]int{{0}}, 2, seqKV(1, 2), seqKV(200, 2), 2, remK, remV, 0, 6, true)
	require.NoError(t, err)

	// THEN no remainder keys are assembled and the window descriptor is empty
	assert.Equal(t, 4, res.GlobalK.Shape[2], "1 block + 2 init keys only")
	assert.Zero(t, res.SlidingWindowOffset)
	assert.Zero(t, res.SlidingWindowSize)

	// but while the prefix is still filling, the remainder stays attended
	b := NewAssembler(cfg, 1, 1, 2)
	res2, err := b.Build(bs, [][]int{{0}}, 2, seqKV(1, 1), seqKV(200, 1), 1, remK, remV, 0, 6, true)
	require.NoError(t, err)
	assert.Equal(t, 1+2+4, res2.GlobalK.Shape[2])
	assert.Equal(t, 3+6, res2.SlidingWindowOffset)
}
