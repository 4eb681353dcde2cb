// Package refattn provides reference implementations of the external
// contracts kvmgr depends on: an exact multi-stage softmax attention and a
// rotary position embedding, both CPU-only and unoptimized. They exist for
// tests and the diagnostic CLI; production deployments bind kvmgr to an
// accelerator-backed primitive instead.
package refattn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/context-manager/kvmgr"
)

type stage struct {
	q, k, v *kvmgr.Tensor
	opts    kvmgr.StageOptions
}

// Attention accumulates stages and, on Result, computes a single softmax
// over the union of the stages' key spaces. Each stage's query must carry
// the same (numUnits, unitSize, lenQ, dimHead) geometry.
type Attention struct {
	stages []stage
	ended  bool
}

// NewFactory returns a kvmgr.AttentionFactory producing exact softmax
// attention objects. The shape, dtype and device hints are ignored; the
// reference implementation derives everything from the pushed tensors.
func NewFactory() kvmgr.AttentionFactory {
	return func(queryShape []int, dtype, device string) kvmgr.MultiStageAttention {
		return &Attention{}
	}
}

// Push submits one stage. A stage with zero keys is legal and contributes
// nothing to the combined softmax.
func (a *Attention) Push(q, k, v *kvmgr.Tensor, opts kvmgr.StageOptions) error {
	if a.ended {
		return errors.New("refattn: push after final stage")
	}
	for _, t := range []*kvmgr.Tensor{q, k, v} {
		if len(t.Shape) != 4 {
			return fmt.Errorf("refattn: rank %d tensor, want 4", len(t.Shape))
		}
	}
	if k.Shape[2] != v.Shape[2] {
		return fmt.Errorf("refattn: key length %d != value length %d", k.Shape[2], v.Shape[2])
	}
	if len(a.stages) > 0 {
		prev := a.stages[0].q
		if q.Shape[0] != prev.Shape[0] || q.Shape[1] != prev.Shape[1] || q.Shape[2] != prev.Shape[2] || q.Shape[3] != prev.Shape[3] {
			return fmt.Errorf("refattn: query shape %v differs across stages (first %v)", q.Shape, prev.Shape)
		}
	}
	a.stages = append(a.stages, stage{q: q, k: k, v: v, opts: opts})
	if opts.End {
		a.ended = true
	}
	return nil
}

// allowed reports whether query row qi of a stage may attend its key ki.
func (s stage) allowed(qi, ki int) bool {
	lenQ := s.q.Shape[2]
	lenK := s.k.Shape[2]
	if s.opts.ComplementSlidingWindow {
		if s.opts.SlidingWindowSize == 0 {
			return true
		}
		return ki <= s.opts.SlidingWindowOffset-s.opts.SlidingWindowSize+qi
	}
	align := lenK - lenQ + qi
	if s.opts.SlidingWindowSize > 0 {
		return ki <= align && ki > align-s.opts.SlidingWindowSize
	}
	return ki <= align
}

// Result finalises the computation: one softmax per query row over every
// unmasked key of every stage, the value-weighted sum as output, and for
// each score-requesting stage the per-key probability mass.
func (a *Attention) Result() (*kvmgr.Tensor, []*kvmgr.Tensor, error) {
	if !a.ended {
		return nil, nil, errors.New("refattn: result before final stage")
	}
	if len(a.stages) == 0 {
		return nil, nil, errors.New("refattn: no stages pushed")
	}
	q0 := a.stages[0].q
	U, S, Lq, d := q0.Shape[0], q0.Shape[1], q0.Shape[2], q0.Shape[3]
	scale := 1.0 / math.Sqrt(float64(d))

	output := kvmgr.NewTensor(U, S, Lq, d)
	scoreTensors := make([]*kvmgr.Tensor, len(a.stages))
	for si, st := range a.stages {
		if st.opts.RequestScores {
			scoreTensors[si] = kvmgr.NewTensor(U, S, Lq, st.k.Shape[2])
		}
	}

	type keyRef struct {
		stage int
		ki    int
	}
	for u := 0; u < U; u++ {
		for s := 0; s < S; s++ {
			for qi := 0; qi < Lq; qi++ {
				var logits []float64
				var refs []keyRef
				for si, st := range a.stages {
					lenK := st.k.Shape[2]
					for ki := 0; ki < lenK; ki++ {
						if !st.allowed(qi, ki) {
							continue
						}
						dot := 0.0
						for dd := 0; dd < d; dd++ {
							dot += float64(st.q.At(u, s, qi, dd)) * float64(st.k.At(u, s, ki, dd))
						}
						logits = append(logits, dot*scale)
						refs = append(refs, keyRef{si, ki})
					}
				}
				if len(logits) == 0 {
					return nil, nil, fmt.Errorf("refattn: query (%d,%d,%d) has no attendable keys", u, s, qi)
				}
				m := floats.Max(logits)
				probs := make([]float64, len(logits))
				for i, l := range logits {
					probs[i] = math.Exp(l - m)
				}
				z := floats.Sum(probs)
				for i := range probs {
					probs[i] /= z
				}
				for i, ref := range refs {
					st := a.stages[ref.stage]
					p := probs[i]
					for dd := 0; dd < d; dd++ {
						output.Set(output.At(u, s, qi, dd)+float32(p)*st.v.At(u, s, ref.ki, dd), u, s, qi, dd)
					}
					if sc := scoreTensors[ref.stage]; sc != nil {
						sc.Set(float32(p), u, s, qi, ref.ki)
					}
				}
			}
		}
	}

	var scores []*kvmgr.Tensor
	for _, sc := range scoreTensors {
		if sc != nil {
			scores = append(scores, sc)
		}
	}
	return output, scores, nil
}
