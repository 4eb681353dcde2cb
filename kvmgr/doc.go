// Package kvmgr implements an online key/value cache for transformer
// self-attention that extends a fixed-context model to effectively unbounded
// input length.
//
// # Reading Guide
//
// Start with these files to understand the cache:
//   - config.go: construction parameters and validation
//   - tensor.go: the minimal tensor type every component shares
//   - transfer.go, growvector.go: the two leaf primitives (async move, growable buffer)
//   - block.go: per-unit block residency, scoring, and eviction
//   - representative.go, selector.go: block-selection (top-k) machinery
//   - assembler.go: materializing the attention input for one chunk
//   - attn.go: the contract bound to the external attention primitive
//   - orchestrator.go: the per-chunk pipeline and the public Append/Size API
//
// # Architecture
//
// The manager partitions the prefix into an initial prefix, a sliding local
// window, and a global pool of fixed-size blocks paged between a resident and
// an evicted tier. For each call it selects the top-k globally relevant
// blocks, assembles them with the local window and initial tokens, and drives
// an external multi-stage attention primitive (the MultiStageAttention and
// RotaryEmbedder contracts in attn.go) to compute the result, updating
// per-block relevance scores from the output.
//
// kvmgr/refattn provides a reference implementation of the external attention
// and rotary-embedding contracts for tests and the CLI; it is not part of the
// core contract.
package kvmgr
