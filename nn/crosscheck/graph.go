// Package crosscheck unrolls a GRU over one timeline as a gorgonia
// expression graph, so forward values and gradients from symbolic
// differentiation can be compared with the nn package.
package crosscheck

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Weights holds one GRU's parameters as row-major float64 slices, laid out
// like the nn parameters: W_g [Input, 2*Hidden], U_g [Hidden, 2*Hidden],
// b_g [1, 2*Hidden], W_c [Input, Hidden], U_c [Hidden, Hidden], b_c [1, Hidden].
type Weights struct {
	Input, Hidden int
	UseBias       bool

	WGate, UGate, BGate []float64
	WCand, UCand, BCand []float64
}

func (w Weights) validate() error {
	d, h := w.Input, w.Hidden
	if d <= 0 || h <= 0 {
		return errors.Errorf("crosscheck: bad sizes input=%d hidden=%d", d, h)
	}
	want := map[string][2]int{
		"w_g": {len(w.WGate), d * 2 * h},
		"u_g": {len(w.UGate), h * 2 * h},
		"w_c": {len(w.WCand), d * h},
		"u_c": {len(w.UCand), h * h},
	}
	if w.UseBias {
		want["b_g"] = [2]int{len(w.BGate), 2 * h}
		want["b_c"] = [2]int{len(w.BCand), h}
	}
	for name, n := range want {
		if n[0] != n[1] {
			return errors.Errorf("crosscheck: %s has %d values, want %d", name, n[0], n[1])
		}
	}
	return nil
}

// columns copies columns [from, to) of a row-major rows×cols matrix.
func columns(data []float64, rows, cols, from, to int) []float64 {
	out := make([]float64, 0, rows*(to-from))
	for r := 0; r < rows; r++ {
		out = append(out, data[r*cols+from:r*cols+to]...)
	}
	return out
}

// join places two rows×h matrices side by side.
func join(left, right []float64, rows, h int) []float64 {
	out := make([]float64, 0, 2*len(left))
	for r := 0; r < rows; r++ {
		out = append(out, left[r*h:(r+1)*h]...)
		out = append(out, right[r*h:(r+1)*h]...)
	}
	return out
}

// Graph is an unrolled GRU with a weighted-sum loss over its hidden states.
type Graph struct {
	g      *gorgonia.ExprGraph
	w      Weights
	inputs []*gorgonia.Node
	hidden []*gorgonia.Node
	loss   *gorgonia.Node

	// gate weights are split into reset and update halves
	wr, wz, ur, uz, br, bz *gorgonia.Node
	wc, uc, bc             *gorgonia.Node
	one                    *gorgonia.Node
}

// Result holds the values and gradients of one run. Hidden and InputGrad
// are in processing order.
type Result struct {
	Hidden    [][]float64
	Loss      float64
	Grads     map[string][]float64
	InputGrad [][]float64
}

func (gr *Graph) matrix(rows, cols int, name string, data []float64) *gorgonia.Node {
	backing := append([]float64(nil), data...)
	return gorgonia.NewMatrix(gr.g, tensor.Float64,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))))
}

func (gr *Graph) constant(data []float64) *gorgonia.Node {
	backing := append([]float64(nil), data...)
	return gr.g.Constant(tensor.New(tensor.WithShape(1, len(backing)), tensor.WithBacking(backing)))
}

// Unroll builds the graph for xs, given in processing order. lossWeights
// has one row of Hidden values per step; the loss is Σ_t Σ_j lw[t][j]·h[t][j].
func Unroll(w Weights, xs, lossWeights [][]float64) (*Graph, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	if len(xs) == 0 || len(xs) != len(lossWeights) {
		return nil, errors.Errorf("crosscheck: %d inputs and %d loss rows", len(xs), len(lossWeights))
	}
	d, h := w.Input, w.Hidden
	gr := &Graph{g: gorgonia.NewGraph(), w: w}

	gr.wr = gr.matrix(d, h, "w_r", columns(w.WGate, d, 2*h, 0, h))
	gr.wz = gr.matrix(d, h, "w_z", columns(w.WGate, d, 2*h, h, 2*h))
	gr.ur = gr.matrix(h, h, "u_r", columns(w.UGate, h, 2*h, 0, h))
	gr.uz = gr.matrix(h, h, "u_z", columns(w.UGate, h, 2*h, h, 2*h))
	gr.wc = gr.matrix(d, h, "w_c", w.WCand)
	gr.uc = gr.matrix(h, h, "u_c", w.UCand)
	if w.UseBias {
		gr.br = gr.matrix(1, h, "b_r", w.BGate[:h])
		gr.bz = gr.matrix(1, h, "b_z", w.BGate[h:])
		gr.bc = gr.matrix(1, h, "b_c", w.BCand)
	}
	gr.one = gr.g.Constant(tensor.Ones(tensor.Float64, 1, h))

	prev := gr.constant(make([]float64, h))
	var terms []*gorgonia.Node
	for t, x := range xs {
		if len(x) != d || len(lossWeights[t]) != h {
			return nil, errors.Errorf("crosscheck: step %d has %d inputs and %d loss weights", t, len(x), len(lossWeights[t]))
		}
		in := gr.matrix(1, d, fmt.Sprintf("x_%d", t), x)
		gr.inputs = append(gr.inputs, in)

		next, err := gr.step(in, prev)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", t)
		}
		gr.hidden = append(gr.hidden, next)

		weighted, err := gorgonia.HadamardProd(gr.constant(lossWeights[t]), next)
		if err != nil {
			return nil, errors.Wrap(err, "loss weights")
		}
		term, err := gorgonia.Sum(weighted)
		if err != nil {
			return nil, errors.Wrap(err, "loss sum")
		}
		terms = append(terms, term)
		prev = next
	}

	gr.loss = terms[0]
	for _, term := range terms[1:] {
		var err error
		if gr.loss, err = gorgonia.Add(gr.loss, term); err != nil {
			return nil, errors.Wrap(err, "loss")
		}
	}
	return gr, nil
}

// affine computes x·wx + h·wh (+ b).
func affine(x, wx, h, wh, b *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, wx)
	if err != nil {
		return nil, err
	}
	hw, err := gorgonia.Mul(h, wh)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(xw, hw)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return sum, nil
	}
	return gorgonia.Add(sum, b)
}

func (gr *Graph) step(x, prev *gorgonia.Node) (*gorgonia.Node, error) {
	var r, z, c *gorgonia.Node
	var err error

	if r, err = affine(x, gr.wr, prev, gr.ur, gr.br); err != nil {
		return nil, errors.Wrap(err, "reset gate")
	}
	if r, err = gorgonia.Sigmoid(r); err != nil {
		return nil, errors.Wrap(err, "reset gate")
	}
	if z, err = affine(x, gr.wz, prev, gr.uz, gr.bz); err != nil {
		return nil, errors.Wrap(err, "update gate")
	}
	if z, err = gorgonia.Sigmoid(z); err != nil {
		return nil, errors.Wrap(err, "update gate")
	}

	var filtered *gorgonia.Node
	if filtered, err = gorgonia.HadamardProd(r, prev); err != nil {
		return nil, errors.Wrap(err, "reset filter")
	}
	if c, err = affine(x, gr.wc, filtered, gr.uc, gr.bc); err != nil {
		return nil, errors.Wrap(err, "candidate")
	}
	if c, err = gorgonia.Tanh(c); err != nil {
		return nil, errors.Wrap(err, "candidate")
	}

	// h = z⊙prev + (1-z)⊙c
	var keep, omz, fresh *gorgonia.Node
	if keep, err = gorgonia.HadamardProd(z, prev); err != nil {
		return nil, errors.Wrap(err, "state")
	}
	if omz, err = gorgonia.Sub(gr.one, z); err != nil {
		return nil, errors.Wrap(err, "state")
	}
	if fresh, err = gorgonia.HadamardProd(omz, c); err != nil {
		return nil, errors.Wrap(err, "state")
	}
	return gorgonia.Add(keep, fresh)
}

func (gr *Graph) learnables() gorgonia.Nodes {
	nodes := gorgonia.Nodes{gr.wr, gr.wz, gr.ur, gr.uz, gr.wc, gr.uc}
	if gr.w.UseBias {
		nodes = append(nodes, gr.br, gr.bz, gr.bc)
	}
	return nodes
}

func floats(v gorgonia.Value) []float64 {
	return append([]float64(nil), v.Data().([]float64)...)
}

func gradOf(n *gorgonia.Node) ([]float64, error) {
	g, err := n.Grad()
	if err != nil {
		return nil, errors.Wrapf(err, "gradient of %s", n.Name())
	}
	return floats(g), nil
}

// Run differentiates the loss, executes the graph and collects hidden
// states and gradients. Gradients are keyed by the nn parameter names.
func (gr *Graph) Run() (*Result, error) {
	wrt := append(gr.learnables(), gr.inputs...)
	if _, err := gorgonia.Grad(gr.loss, wrt...); err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}
	vm := gorgonia.NewTapeMachine(gr.g, gorgonia.BindDualValues(wrt...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run graph")
	}

	res := &Result{Grads: make(map[string][]float64)}
	for _, h := range gr.hidden {
		res.Hidden = append(res.Hidden, floats(h.Value()))
	}
	res.Loss = gr.loss.Value().Data().(float64)

	grads := make(map[*gorgonia.Node][]float64)
	for _, n := range wrt {
		g, err := gradOf(n)
		if err != nil {
			return nil, err
		}
		grads[n] = g
	}
	d, h := gr.w.Input, gr.w.Hidden
	res.Grads["w_g"] = join(grads[gr.wr], grads[gr.wz], d, h)
	res.Grads["u_g"] = join(grads[gr.ur], grads[gr.uz], h, h)
	res.Grads["w_c"] = grads[gr.wc]
	res.Grads["u_c"] = grads[gr.uc]
	if gr.w.UseBias {
		res.Grads["b_g"] = join(grads[gr.br], grads[gr.bz], 1, h)
		res.Grads["b_c"] = grads[gr.bc]
	}
	for _, in := range gr.inputs {
		res.InputGrad = append(res.InputGrad, grads[in])
	}
	return res, nil
}
