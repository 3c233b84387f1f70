package nn

import "fmt"

// GradSet is one set of gradient accumulators shaped like a ParameterSet.
// The layer's own set aliases the parameters' Grad tensors; workers own
// private sets that are merged afterwards.
type GradSet[T Numeric] struct {
	WGate, UGate, BGate *Tensor[T]
	WCand, UCand, BCand *Tensor[T]
}

// Grads returns a GradSet aliasing the parameters' accumulators.
func (ps *ParameterSet[T]) Grads() *GradSet[T] {
	return &GradSet[T]{
		WGate: ps.WGate.Grad, UGate: ps.UGate.Grad, BGate: ps.BGate.Grad,
		WCand: ps.WCand.Grad, UCand: ps.UCand.Grad, BCand: ps.BCand.Grad,
	}
}

// newGradSet allocates a zeroed private set with the parameters' shapes.
func newGradSet[T Numeric](ps *ParameterSet[T]) *GradSet[T] {
	like := func(p *Param[T]) *Tensor[T] { return NewTensor[T](p.Data.Shape...) }
	return &GradSet[T]{
		WGate: like(ps.WGate), UGate: like(ps.UGate), BGate: like(ps.BGate),
		WCand: like(ps.WCand), UCand: like(ps.UCand), BCand: like(ps.BCand),
	}
}

func (gs *GradSet[T]) all() []*Tensor[T] {
	return []*Tensor[T]{gs.WGate, gs.UGate, gs.BGate, gs.WCand, gs.UCand, gs.BCand}
}

// Zero clears every accumulator in the set.
func (gs *GradSet[T]) Zero() {
	for _, t := range gs.all() {
		t.Zero()
	}
}

// AddTo adds every accumulator into the matching one of dst.
func (gs *GradSet[T]) AddTo(dst *GradSet[T]) {
	src, out := gs.all(), dst.all()
	for i := range src {
		out[i].AddFrom(src[i])
	}
}

// StepState holds the forward quantities of one time step. All slices are
// rows of the layer's buffers; the cell reads them and, in Forward, writes
// Gate, Cand and H.
type StepState[T Numeric] struct {
	X     []T // [dInput]
	HPrev []T // [H]
	Gate  []T // [2H]
	Cand  []T // [H]
	H     []T // [H]
}

// StepErrors holds the gradient rows of one time step. H is the upstream
// hidden-state gradient; HPrev and X are accumulated into; Gate and Cand
// are per-step scratch that must be zero on entry.
type StepErrors[T Numeric] struct {
	H     []T
	HPrev []T
	X     []T
	Gate  []T
	Cand  []T
}

// StepCell is the single time step transition of the GRU and its
// derivative. A StepCell holds scratch rows, so each goroutine needs its own.
type StepCell[T Numeric] struct {
	layout  GateLayout
	params  *ParameterSet[T]
	backend Backend[T]

	rh  []T // r ⊙ h₋
	tmp []T // cur_c_er · U_cᵀ
}

// NewStepCell binds a cell to parameters and a backend.
func NewStepCell[T Numeric](params *ParameterSet[T], backend Backend[T]) *StepCell[T] {
	h := params.Hidden
	return &StepCell[T]{
		layout:  GateLayout{Hidden: h},
		params:  params,
		backend: backend,
		rh:      make([]T, h),
		tmp:     make([]T, h),
	}
}

func (c *StepCell[T]) checkRows(s StepState[T]) {
	h, d := c.params.Hidden, c.params.Input
	if len(s.X) != d || len(s.HPrev) != h || len(s.Gate) != 2*h || len(s.Cand) != h || len(s.H) != h {
		panic(fmt.Sprintf("nn: step rows x=%d h₋=%d g=%d c=%d h=%d, want d=%d H=%d",
			len(s.X), len(s.HPrev), len(s.Gate), len(s.Cand), len(s.H), d, h))
	}
}

// Forward computes
//
//	g = sigmoid(x·W_g + h₋·U_g [+ b_g]),  r, z = split(g)
//	c = tanh(x·W_c + (r ⊙ h₋)·U_c [+ b_c])
//	h = z ⊙ h₋ + (1 - z) ⊙ c
//
// overwriting s.Gate, s.Cand and s.H.
func (c *StepCell[T]) Forward(s StepState[T]) {
	c.checkRows(s)
	p, be := c.params, c.backend

	if p.UseBias {
		copy(s.Gate, p.BGate.Data.Data)
	} else {
		clear(s.Gate)
	}
	be.VecMat(s.Gate, s.X, p.WGate.Data)
	be.VecMat(s.Gate, s.HPrev, p.UGate.Data)
	sigmoidInPlace(s.Gate)
	gate := SplitRow(c.layout, s.Gate)

	for i, r := range gate.Reset {
		c.rh[i] = r * s.HPrev[i]
	}
	if p.UseBias {
		copy(s.Cand, p.BCand.Data.Data)
	} else {
		clear(s.Cand)
	}
	be.VecMat(s.Cand, s.X, p.WCand.Data)
	be.VecMat(s.Cand, c.rh, p.UCand.Data)
	tanhInPlace(s.Cand)

	for i, z := range gate.Update {
		s.H[i] = z*s.HPrev[i] + (1-z)*s.Cand[i]
	}
}

// Backward accumulates the gradients of one step. e.HPrev, e.X and every
// tensor in grads are added into, never reset. Bias accumulators are only
// touched when the layer uses bias.
func (c *StepCell[T]) Backward(s StepState[T], e StepErrors[T], grads *GradSet[T]) {
	p, be := c.params, c.backend
	gate := SplitRow(c.layout, s.Gate)
	gateErr := SplitRow(c.layout, e.Gate)

	for i, z := range gate.Update {
		dh := e.H[i]
		e.HPrev[i] += dh * z
		e.Cand[i] += dh * (1 - z)
		gateErr.Update[i] += dh*s.HPrev[i] - dh*s.Cand[i]
	}
	for i, cv := range s.Cand {
		e.Cand[i] *= tanhGrad(cv)
	}

	be.VecMatT(e.X, e.Cand, p.WCand.Data)
	be.Outer(grads.WCand, s.X, e.Cand)

	clear(c.tmp)
	be.VecMatT(c.tmp, e.Cand, p.UCand.Data)
	for i, r := range gate.Reset {
		gateErr.Reset[i] += c.tmp[i] * s.HPrev[i]
		e.HPrev[i] += r * c.tmp[i]
		c.rh[i] = r * s.HPrev[i]
	}
	be.Outer(grads.UCand, c.rh, e.Cand)

	for i, r := range gate.Reset {
		gateErr.Reset[i] *= sigmoidGrad(r)
	}
	for i, z := range gate.Update {
		gateErr.Update[i] *= sigmoidGrad(z)
	}

	be.VecMatT(e.X, e.Gate, p.WGate.Data)
	be.VecMatT(e.HPrev, e.Gate, p.UGate.Data)
	be.Outer(grads.WGate, s.X, e.Gate)
	be.Outer(grads.UGate, s.HPrev, e.Gate)

	if p.UseBias {
		for i, v := range e.Gate {
			grads.BGate.Data[i] += v
		}
		for i, v := range e.Cand {
			grads.BCand.Data[i] += v
		}
	}
}
