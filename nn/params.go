package nn

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Parameter names, in setup order.
const (
	ParamWGate = "w_g"
	ParamUGate = "u_g"
	ParamBGate = "b_g"
	ParamWCand = "w_c"
	ParamUCand = "u_c"
	ParamBCand = "b_c"
)

// Param is one trainable tensor with its gradient accumulator.
type Param[T Numeric] struct {
	Name    string
	Data    *Tensor[T]
	Grad    *Tensor[T]
	Filler  Filler[T]
	Updater Updater[T]
}

// ParameterSet holds the six GRU parameters.
//
//	w_g [dInput, 2H]  u_g [H, 2H]  b_g [1, 2H]
//	w_c [dInput, H]   u_c [H, H]   b_c [1, H]
type ParameterSet[T Numeric] struct {
	WGate, UGate, BGate *Param[T]
	WCand, UCand, BCand *Param[T]

	Input, Hidden int
	UseBias       bool
}

// NewParameterSet allocates, fills and binds updaters for all six
// parameters. Each filler runs exactly once.
func NewParameterSet[T Numeric](cfg GRUConfig, dInput int, rng *rand.Rand) (*ParameterSet[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dInput <= 0 {
		return nil, errors.Wrapf(ErrShape, "gru: input feature width must be > 0, got %d", dInput)
	}
	h := cfg.Hidden()
	ps := &ParameterSet[T]{Input: dInput, Hidden: h, UseBias: cfg.UseBias}

	shapes := [][2]int{{dInput, 2 * h}, {h, 2 * h}, {1, 2 * h}, {dInput, h}, {h, h}, {1, h}}
	names := []string{ParamWGate, ParamUGate, ParamBGate, ParamWCand, ParamUCand, ParamBCand}
	fillers, updaters := cfg.fillerSlots(), cfg.updaterSlots()
	slots := []**Param[T]{&ps.WGate, &ps.UGate, &ps.BGate, &ps.WCand, &ps.UCand, &ps.BCand}

	for i, name := range names {
		f, err := NewFiller[T](*fillers[i].cfg, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "gru: %s", fillers[i].key)
		}
		u, err := NewUpdater[T](*updaters[i].cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "gru: %s", updaters[i].key)
		}
		p := &Param[T]{
			Name:    name,
			Data:    NewTensor[T](shapes[i][0], shapes[i][1]),
			Grad:    NewTensor[T](shapes[i][0], shapes[i][1]),
			Filler:  f,
			Updater: u,
		}
		f.Fill(p.Data)
		*slots[i] = p
	}
	return ps, nil
}

// All returns the parameters in setup order.
func (ps *ParameterSet[T]) All() []*Param[T] {
	return []*Param[T]{ps.WGate, ps.UGate, ps.BGate, ps.WCand, ps.UCand, ps.BCand}
}

// Trainable returns the parameters whose gradients are ever written. Biases
// are excluded when the layer runs without them.
func (ps *ParameterSet[T]) Trainable() []*Param[T] {
	if ps.UseBias {
		return ps.All()
	}
	return []*Param[T]{ps.WGate, ps.UGate, ps.WCand, ps.UCand}
}

// Lookup returns the parameter with the given name.
func (ps *ParameterSet[T]) Lookup(name string) (*Param[T], bool) {
	for _, p := range ps.All() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ZeroGrads clears every gradient accumulator.
func (ps *ParameterSet[T]) ZeroGrads() {
	for _, p := range ps.All() {
		p.Grad.Zero()
	}
}

// Count returns the total number of scalar parameters.
func (ps *ParameterSet[T]) Count() int {
	n := 0
	for _, p := range ps.All() {
		n += p.Data.Size()
	}
	return n
}

// Update applies each trainable parameter's updater to its gradient.
func (ps *ParameterSet[T]) Update() {
	for _, p := range ps.Trainable() {
		p.Updater.Update(p)
	}
}
