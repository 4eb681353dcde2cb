package refattn

import (
	"fmt"
	"math"

	"github.com/inference-sim/context-manager/kvmgr"
)

const rotaryBase = 10000.0

// Rotary is a standard rotary position embedding over precomputed cos/sin
// tables. Queries handed to ApplyPair are aligned so the last query row sits
// at the last key position; ApplyOneAngle rotates every row at one fixed
// offset.
type Rotary struct {
	dim int
	cos [][]float64 // [pos][dim/2]
	sin [][]float64
}

// NewRotary returns an empty embedder; tables are built by PrecomputeTables
// and extended on demand.
func NewRotary() *Rotary { return &Rotary{} }

// PrecomputeTables sizes the cos/sin tables to length positions. The dtype
// and device hints are ignored by the reference implementation.
func (r *Rotary) PrecomputeTables(length int, dtype, device string, ndim int) error {
	if ndim <= 0 || ndim%2 != 0 {
		return fmt.Errorf("refattn: rotary head dim must be positive and even, got %d", ndim)
	}
	if r.dim != 0 && r.dim != ndim {
		return fmt.Errorf("refattn: rotary head dim changed from %d to %d", r.dim, ndim)
	}
	r.dim = ndim
	r.extend(length)
	return nil
}

func (r *Rotary) extend(length int) {
	half := r.dim / 2
	for pos := len(r.cos); pos < length; pos++ {
		c := make([]float64, half)
		s := make([]float64, half)
		for j := 0; j < half; j++ {
			theta := float64(pos) * math.Pow(rotaryBase, -2.0*float64(j)/float64(r.dim))
			c[j] = math.Cos(theta)
			s[j] = math.Sin(theta)
		}
		r.cos = append(r.cos, c)
		r.sin = append(r.sin, s)
	}
}

// rotate returns a copy of t with each sequence row i rotated at the
// position posOf(i).
func (r *Rotary) rotate(t *kvmgr.Tensor, posOf func(i int) int) (*kvmgr.Tensor, error) {
	if r.dim == 0 {
		return nil, fmt.Errorf("refattn: rotary tables not initialized")
	}
	if len(t.Shape) != 4 || t.Shape[3] != r.dim {
		return nil, fmt.Errorf("refattn: rotary input shape %v, want rank 4 with head dim %d", t.Shape, r.dim)
	}
	U, S, L := t.Shape[0], t.Shape[1], t.Shape[2]
	maxPos := 0
	for i := 0; i < L; i++ {
		if p := posOf(i); p > maxPos {
			maxPos = p
		}
	}
	r.extend(maxPos + 1)

	half := r.dim / 2
	out := kvmgr.NewTensor(U, S, L, r.dim)
	for u := 0; u < U; u++ {
		for s := 0; s < S; s++ {
			for i := 0; i < L; i++ {
				pos := posOf(i)
				for j := 0; j < half; j++ {
					x := float64(t.At(u, s, i, 2*j))
					y := float64(t.At(u, s, i, 2*j+1))
					c, sn := r.cos[pos][j], r.sin[pos][j]
					out.Set(float32(x*c-y*sn), u, s, i, 2*j)
					out.Set(float32(x*sn+y*c), u, s, i, 2*j+1)
				}
			}
		}
	}
	return out, nil
}

// ApplyPair rotates q and k consistently: key row i at position i, query row
// i at position lenK - lenQ + i, so the final query aligns with the final
// key.
func (r *Rotary) ApplyPair(q, k *kvmgr.Tensor) (*kvmgr.Tensor, *kvmgr.Tensor, error) {
	lenQ := q.Shape[2]
	lenK := k.Shape[2]
	if lenK < lenQ {
		return nil, nil, fmt.Errorf("refattn: rotary key length %d shorter than query length %d", lenK, lenQ)
	}
	kOut, err := r.rotate(k, func(i int) int { return i })
	if err != nil {
		return nil, nil, err
	}
	qOut, err := r.rotate(q, func(i int) int { return lenK - lenQ + i })
	if err != nil {
		return nil, nil, err
	}
	return qOut, kOut, nil
}

// ApplyOneAngle rotates every row of q at the fixed positional offset.
func (r *Rotary) ApplyOneAngle(q *kvmgr.Tensor, offset int) (*kvmgr.Tensor, error) {
	return r.rotate(q, func(int) int { return offset })
}
