package kvmgr

// This file binds the two external collaborators the manager depends on but
// does not implement: the multi-stage dot-product attention primitive and
// rotary position embedding. Both are opaque contracts; a concrete
// implementation is injected by the caller (see kvmgr/refattn for a
// reference implementation used by tests and the CLI).

// StageOptions configures one stage submitted to a MultiStageAttention
// object.
type StageOptions struct {
	// SlidingWindowSize, if > 0 and ComplementSlidingWindow is unset,
	// restricts each query row to the trailing SlidingWindowSize keys ending
	// at its causally aligned position.
	SlidingWindowSize int
	// SlidingWindowOffset is only meaningful together with
	// ComplementSlidingWindow: it is the key-space position one past the
	// query-aligned end of the rightmost contiguous stretch (the remainder
	// region assembled after the selected blocks and initial prefix).
	SlidingWindowOffset int
	// ComplementSlidingWindow restricts attention to the complement of the
	// local sliding window: query row i may attend key kk only when
	// kk <= SlidingWindowOffset - SlidingWindowSize + i. With both window
	// fields zero, every key of the stage is attended unconditionally.
	ComplementSlidingWindow bool
	// RequestScores asks the primitive to also return per-key attention
	// scores for this stage.
	RequestScores bool
	// End marks the final stage; Result must be called only after it.
	End bool
}

// MultiStageAttention is the external multi-stage attention object contract.
// Stages are numerically equivalent to computing one softmax over the union
// of the stages' key spaces, online-combined.
type MultiStageAttention interface {
	// Push submits one stage with query q against keys k and values v.
	Push(q, k, v *Tensor, opts StageOptions) error
	// Result finalises the multi-stage computation, returning the combined
	// output and, for each pushed stage that requested them in stage order,
	// a (numUnits, unitSize, lenQ, lenK) tensor of the combined softmax
	// probability mass each key received from each query.
	Result() (output *Tensor, scoresPerStage []*Tensor, err error)
}

// AttentionFactory constructs a fresh MultiStageAttention object for one
// query shape/dtype/device triple. The Orchestrator creates one per chunk.
type AttentionFactory func(queryShape []int, dtype, device string) MultiStageAttention

// RotaryEmbedder is the positional-embedding contract.
type RotaryEmbedder interface {
	// ApplyPair applies rotary rotation to q and k consistent with q's
	// position, returning the rotated pair.
	ApplyPair(q, k *Tensor) (qOut, kOut *Tensor, err error)
	// ApplyOneAngle applies rotation to every row of q at a fixed
	// positional offset.
	ApplyOneAngle(q *Tensor, offset int) (qOut *Tensor, err error)
	// PrecomputeTables sizes internal tables to length positions ahead of
	// first use.
	PrecomputeTables(length int, dtype, device string, ndim int) error
}
