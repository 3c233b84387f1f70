package nn

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// TestGateSplit verifies the reset/update views and that they alias the row
func TestGateSplit(t *testing.T) {
	layout := GateLayout{Hidden: 3}
	row := NewTensorFromSlice([]float64{1, 2, 3, 4, 5, 6}, 1, 6)
	view := Split(layout, row)

	for i, want := range []float64{1, 2, 3} {
		if view.Reset[i] != want {
			t.Errorf("Reset[%d]: expected %v, got %v", i, want, view.Reset[i])
		}
	}
	for i, want := range []float64{4, 5, 6} {
		if view.Update[i] != want {
			t.Errorf("Update[%d]: expected %v, got %v", i, want, view.Update[i])
		}
	}

	row.Data[1] = -20
	row.Data[5] = -60
	if view.Reset[1] != -20 || view.Update[2] != -60 {
		t.Errorf("Views did not observe in-place writes: reset=%v update=%v", view.Reset, view.Update)
	}
	view.Update[0] = 40
	if row.Data[3] != 40 {
		t.Errorf("Write through view not visible in row, got %v", row.Data)
	}

	// Appending to a view must not spill into the other half.
	_ = append(view.Reset, 99)
	if row.Data[3] != 40 {
		t.Errorf("Append to reset view overwrote update half: %v", row.Data)
	}
}

func TestGateSplitPanics(t *testing.T) {
	layout := GateLayout{Hidden: 2}
	cases := map[string]func(){
		"two rows":    func() { Split(layout, NewTensor[float32](2, 4)) },
		"wrong width": func() { SplitRow(layout, make([]float32, 5)) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			fn()
		})
	}
}

// TestZeroWeightForward checks r = z = 0.5, c = 0 and h = 0 for any input
// when every weight is zero.
func TestZeroWeightForward(t *testing.T) {
	cfg := DefaultGRUConfig(4, false)
	cfg.SetFillers(FillerConfig{Type: FillerZero})

	rng := rand.New(rand.NewSource(1))
	bottom := newTestBatch[float32](rng, 2, 2, 3, 5, 3, 2, 1, 3)
	layer, top := setupLayer[float32](t, cfg, nil, bottom)
	forward(t, layer, bottom, top)

	for i, l := range bottom.Lengths {
		b, q := i/2, i%2
		for step := 0; step < l; step++ {
			gates := rowAt(timelineOf(layer.Gates(), b, q), step, 8)
			for _, g := range gates {
				if g != 0.5 {
					t.Fatalf("Expected gate 0.5 at (%d,%d,%d), got %v", b, q, step, gates)
				}
			}
			for _, c := range rowAt(timelineOf(layer.Candidates(), b, q), step, 4) {
				if c != 0 {
					t.Fatalf("Expected candidate 0 at (%d,%d,%d), got %v", b, q, step, c)
				}
			}
		}
	}
	for i, h := range top.Data.Data {
		if h != 0 {
			t.Fatalf("Expected zero hidden state, got %v at %d", h, i)
		}
	}
}

func TestStepCellZeroWeights(t *testing.T) {
	cfg := DefaultGRUConfig(3, false)
	cfg.SetFillers(FillerConfig{Type: FillerZero})
	ps, err := NewParameterSet[float64](cfg, 2, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewParameterSet failed: %v", err)
	}
	cell := NewStepCell[float64](ps, NewCPUBackend[float64]())
	s := StepState[float64]{
		X:     []float64{3.5, -7},
		HPrev: make([]float64, 3),
		Gate:  []float64{9, 9, 9, 9, 9, 9},
		Cand:  []float64{9, 9, 9},
		H:     []float64{9, 9, 9},
	}
	cell.Forward(s)
	for _, g := range s.Gate {
		if g != 0.5 {
			t.Errorf("Expected gate 0.5, got %v", s.Gate)
			break
		}
	}
	for i := range s.H {
		if s.Cand[i] != 0 || s.H[i] != 0 {
			t.Errorf("Expected zero candidate and state, got c=%v h=%v", s.Cand, s.H)
			break
		}
	}
}

// TestDirectionSymmetry runs left-to-right on a sequence and right-to-left on
// its reversal; the hidden states must be each other's reversal.
func TestDirectionSymmetry(t *testing.T) {
	const capacity, length, d, h = 6, 4, 3, 5
	rng := rand.New(rand.NewSource(2))
	in := newTestBatch[float64](rng, 1, 1, capacity, d, length)
	rev := NewSequenceBatch[float64](1, 1, capacity, d)
	rev.Lengths[0] = length
	for step := 0; step < length; step++ {
		copy(rev.Row(0, 0, length-1-step), in.Row(0, 0, step))
	}

	fwdLayer, outF := setupLayer[float64](t, testConfig(h, false, true), nil, in)
	revLayer, outR := setupLayer[float64](t, testConfig(h, true, true), nil, rev)
	forward(t, fwdLayer, in, outF)
	forward(t, revLayer, rev, outR)

	for step := 0; step < length; step++ {
		assertClose(t, "hidden", outF.Row(0, 0, step), outR.Row(0, 0, length-1-step), 1e-12)
	}
	for step := length; step < capacity; step++ {
		for _, v := range outR.Row(0, 0, step) {
			if v != 0 {
				t.Fatalf("Expected zero padding at step %d, got %v", step, outR.Row(0, 0, step))
			}
		}
	}
}

// paddedNonZero returns the first non-zero element at or beyond a
// timeline's length, or -1.
func paddedNonZero(tensor *Tensor[float64], lengths []int) int {
	seqs, width := tensor.Shape[1], tensor.Shape[3]
	for i, l := range lengths {
		tl := timelineOf(tensor, i/seqs, i%seqs)
		for j := l * width; j < len(tl); j++ {
			if tl[j] != 0 {
				return j
			}
		}
	}
	return -1
}

func TestLengthMasking(t *testing.T) {
	for _, dir := range []Direction{LeftToRight, RightToLeft} {
		t.Run(dir.String(), func(t *testing.T) {
			reverse := dir == RightToLeft
			rng := rand.New(rand.NewSource(4))
			bottom := newTestBatch[float64](rng, 2, 2, 5, 2, 3, 0, 5, 1)
			layer, top := setupLayer[float64](t, testConfig(3, reverse, true), nil, bottom)
			forward(t, layer, bottom, top)

			check := func(phase string) {
				for name, tensor := range map[string]*Tensor[float64]{
					"hidden":     top.Data,
					"gates":      layer.Gates(),
					"candidates": layer.Candidates(),
				} {
					if i := paddedNonZero(tensor, bottom.Lengths); i >= 0 {
						t.Errorf("%s: %s written beyond length at %d", phase, name, i)
					}
				}
			}
			check("forward")

			// External gradient everywhere, padding included.
			lossGrad := make([]float64, len(top.Grad.Data))
			for i := range lossGrad {
				lossGrad[i] = rng.Float64()
			}
			backward(t, layer, bottom, top, lossGrad)
			check("backward")
			if i := paddedNonZero(bottom.Grad, bottom.Lengths); i >= 0 {
				t.Errorf("input gradient written beyond length at %d", i)
			}
			if i := paddedNonZero(layer.ws.GateErr, bottom.Lengths); i >= 0 {
				t.Errorf("gate gradient written beyond length at %d", i)
			}
			for i, l := range top.Lengths {
				if l != bottom.Lengths[i] {
					t.Errorf("Expected output lengths %v, got %v", bottom.Lengths, top.Lengths)
					break
				}
			}
		})
	}
}

// TestGradientMatchesFiniteDifferences compares the analytic gradient of
// loss = Σ w ⊙ h over valid rows against central differences for every
// parameter and the input.
func TestGradientMatchesFiniteDifferences(t *testing.T) {
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-5}
	for _, tc := range []struct{ reverse, useBias bool }{
		{false, true}, {true, true}, {false, false}, {true, false},
	} {
		reverse, useBias := tc.reverse, tc.useBias
		name := LeftToRight.String()
		if reverse {
			name = RightToLeft.String()
		}
		if useBias {
			name += "/bias"
		} else {
			name += "/nobias"
		}
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(3))
			bottom := newTestBatch[float64](rng, 2, 1, 4, 3, 4, 3)
			layer, top := setupLayer[float64](t, testConfig(4, reverse, useBias), nil, bottom)
			forward(t, layer, bottom, top)
			weights := maskedWeights(rng, top)
			backward(t, layer, bottom, top, weights)

			loss := func() float64 {
				forward(t, layer, bottom, top)
				return dot(weights, top.Data.Data)
			}

			for _, p := range layer.Params() {
				analytic := append([]float64(nil), p.Grad.Data...)
				orig := append([]float64(nil), p.Data.Data...)
				numeric := fd.Gradient(nil, func(x []float64) float64 {
					copy(p.Data.Data, x)
					return loss()
				}, orig, settings)
				copy(p.Data.Data, orig)
				assertClose(t, p.Name, numeric, analytic, 1e-6)
			}

			analyticX := append([]float64(nil), bottom.Grad.Data...)
			origX := append([]float64(nil), bottom.Data.Data...)
			numericX := fd.Gradient(nil, func(x []float64) float64 {
				copy(bottom.Data.Data, x)
				return loss()
			}, origX, settings)
			copy(bottom.Data.Data, origX)
			assertClose(t, "input", numericX, analyticX, 1e-6)
		})
	}
}

// TestFloat32GradientsTrackFloat64 runs the same layer in both precisions.
func TestFloat32GradientsTrackFloat64(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	bottom64 := newTestBatch[float64](rng, 2, 2, 5, 3, 5, 4, 2, 5)
	layer64, top64 := setupLayer[float64](t, testConfig(6, false, true), nil, bottom64)

	bottom32 := NewSequenceBatch[float32](2, 2, 5, 3)
	copy(bottom32.Lengths, bottom64.Lengths)
	for i, v := range bottom64.Data.Data {
		bottom32.Data.Data[i] = float32(v)
	}
	layer32, top32 := setupLayer[float32](t, testConfig(6, false, true), nil, bottom32)
	params32 := layer32.Params()
	for i, p := range layer64.Params() {
		for j, v := range p.Data.Data {
			// round through float32 so both layers hold identical weights
			params32[i].Data.Data[j] = float32(v)
			p.Data.Data[j] = float64(float32(v))
		}
	}

	forward(t, layer64, bottom64, top64)
	forward(t, layer32, bottom32, top32)
	assertClose(t, "hidden", top64.Data.Data, toFloat64(top32.Data.Data), 1e-4)

	weights := maskedWeights(rng, top64)
	weights32 := make([]float32, len(weights))
	for i, v := range weights {
		weights32[i] = float32(v)
	}
	backward(t, layer64, bottom64, top64, weights)
	backward(t, layer32, bottom32, top32, weights32)

	for i, p := range layer64.Params() {
		assertClose(t, p.Name, p.Grad.Data, toFloat64(params32[i].Grad.Data), 1e-3)
	}
	assertClose(t, "input", bottom64.Grad.Data, toFloat64(bottom32.Grad.Data), 1e-3)
}

// TestBatchAdditivity checks that B identical timelines give B times the
// parameter gradient of one.
func TestBatchAdditivity(t *testing.T) {
	const B, capacity, d, h = 3, 4, 2, 3
	rng := rand.New(rand.NewSource(6))
	single := newTestBatch[float64](rng, 1, 1, capacity, d, capacity)
	layer1, top1 := setupLayer[float64](t, testConfig(h, false, true), nil, single)
	forward(t, layer1, single, top1)
	w1 := maskedWeights(rng, top1)
	backward(t, layer1, single, top1, w1)

	many := NewSequenceBatch[float64](B, 1, capacity, d)
	wB := make([]float64, 0, B*len(w1))
	for b := 0; b < B; b++ {
		copy(many.Timeline(b, 0), single.Timeline(0, 0))
		many.Lengths[b] = capacity
		wB = append(wB, w1...)
	}
	layerB, topB := setupLayer[float64](t, testConfig(h, false, true), nil, many)
	forward(t, layerB, many, topB)
	backward(t, layerB, many, topB, wB)

	pB := layerB.Params()
	for i, p := range layer1.Params() {
		want := make([]float64, len(p.Grad.Data))
		for j, g := range p.Grad.Data {
			want[j] = B * g
		}
		assertClose(t, p.Name, want, pB[i].Grad.Data, 1e-10)
	}
	for b := 0; b < B; b++ {
		assertClose(t, "input", single.GradTimeline(0, 0), many.GradTimeline(b, 0), 1e-12)
	}
	want := make([]float64, h)
	for i, v := range layer1.InitialStateGrad() {
		want[i] = B * v
	}
	assertClose(t, "initial state", want, layerB.InitialStateGrad(), 1e-10)
}

// TestWorkersMatchSequential compares a fanned-out layer against the
// single-worker reference.
func TestWorkersMatchSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	bottom := newTestBatch[float64](rng, 5, 2, 6, 3, 6, 1, 0, 4, 6, 6, 2, 3, 5, 6)
	cfg := testConfig(4, true, true)
	seq, topS := setupLayer[float64](t, cfg, nil, bottom)
	cfg.Workers = 3
	par, topP := setupLayer[float64](t, cfg, nil, bottom)
	if par.ws.Workers() != 3 {
		t.Fatalf("Expected 3 workers, got %d", par.ws.Workers())
	}

	forward(t, seq, bottom, topS)
	forward(t, par, bottom, topP)
	assertClose(t, "hidden", topS.Data.Data, topP.Data.Data, 0)

	w := maskedWeights(rng, topS)
	backward(t, seq, bottom, topS, w)
	gradS := append([]float64(nil), bottom.Grad.Data...)
	backward(t, par, bottom, topP, w)

	pP := par.Params()
	for i, p := range seq.Params() {
		assertClose(t, p.Name, p.Grad.Data, pP[i].Grad.Data, 1e-12)
	}
	assertClose(t, "input", gradS, bottom.Grad.Data, 0)
	assertClose(t, "initial state", seq.InitialStateGrad(), par.InitialStateGrad(), 1e-12)
}

func TestBackendsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(9))

	bottom := newTestBatch[float64](rng, 2, 1, 5, 4, 5, 3)
	cpu, topC := setupLayer[float64](t, testConfig(3, false, true), NewCPUBackend[float64](), bottom)
	blas, topB := setupLayer[float64](t, testConfig(3, false, true), NewBLAS64Backend(), bottom)
	forward(t, cpu, bottom, topC)
	forward(t, blas, bottom, topB)
	assertClose(t, "blas64 hidden", topC.Data.Data, topB.Data.Data, 1e-12)
	w := maskedWeights(rng, topC)
	backward(t, cpu, bottom, topC, w)
	backward(t, blas, bottom, topB, w)
	pB := blas.Params()
	for i, p := range cpu.Params() {
		assertClose(t, "blas64 "+p.Name, p.Grad.Data, pB[i].Grad.Data, 1e-10)
	}

	bottom32 := newTestBatch[float32](rng, 2, 1, 5, 4, 4, 5)
	cpu32, top32C := setupLayer[float32](t, testConfig(3, true, false), NewCPUBackend[float32](), bottom32)
	blas32, top32B := setupLayer[float32](t, testConfig(3, true, false), NewBLAS32Backend(), bottom32)
	forward(t, cpu32, bottom32, top32C)
	forward(t, blas32, bottom32, top32B)
	assertClose(t, "blas32 hidden", toFloat64(top32C.Data.Data), toFloat64(top32B.Data.Data), 1e-5)
}

// TestForwardMatchesMatOracle recomputes one timeline with gonum/mat.
func TestForwardMatchesMatOracle(t *testing.T) {
	const capacity, length, d, h = 5, 4, 3, 4
	rng := rand.New(rand.NewSource(10))
	bottom := newTestBatch[float64](rng, 1, 1, capacity, d, length)
	layer, top := setupLayer[float64](t, testConfig(h, false, true), nil, bottom)
	forward(t, layer, bottom, top)

	ps := layer.ParameterSet()
	dense := func(p *Param[float64]) *mat.Dense { return mat.NewDense(p.Data.Rows(), p.Data.Cols(), p.Data.Data) }
	wg, ug, bg := dense(ps.WGate), dense(ps.UGate), dense(ps.BGate)
	wc, uc, bc := dense(ps.WCand), dense(ps.UCand), dense(ps.BCand)
	sig := func(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	th := func(_, _ int, v float64) float64 { return math.Tanh(v) }

	hPrev := mat.NewDense(1, h, nil)
	for step := 0; step < length; step++ {
		x := mat.NewDense(1, d, append([]float64(nil), bottom.Row(0, 0, step)...))

		var g, gh mat.Dense
		g.Mul(x, wg)
		gh.Mul(hPrev, ug)
		g.Add(&g, &gh)
		g.Add(&g, bg)
		g.Apply(sig, &g)
		r, z := g.Slice(0, 1, 0, h), g.Slice(0, 1, h, 2*h)

		var rh, c, ch mat.Dense
		rh.MulElem(r, hPrev)
		c.Mul(x, wc)
		ch.Mul(&rh, uc)
		c.Add(&c, &ch)
		c.Add(&c, bc)
		c.Apply(th, &c)

		next := mat.NewDense(1, h, nil)
		for j := 0; j < h; j++ {
			zj := z.At(0, j)
			next.Set(0, j, zj*hPrev.At(0, j)+(1-zj)*c.At(0, j))
		}
		assertClose(t, "hidden", next.RawRowView(0), top.Row(0, 0, step), 1e-12)
		hPrev = next
	}
}

func TestBiasDisabledLeavesBiasUntouched(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	bottom := newTestBatch[float64](rng, 1, 1, 3, 2, 3)
	layer, top := setupLayer[float64](t, testConfig(2, false, false), nil, bottom)
	ps := layer.ParameterSet()
	biasBefore := append([]float64(nil), ps.BGate.Data.Data...)

	forward(t, layer, bottom, top)
	backward(t, layer, bottom, top, maskedWeights(rng, top))
	for _, p := range []*Param[float64]{ps.BGate, ps.BCand} {
		for _, g := range p.Grad.Data {
			if g != 0 {
				t.Errorf("Expected zero %s gradient with bias disabled, got %v", p.Name, p.Grad.Data)
				break
			}
		}
	}
	if err := layer.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	assertClose(t, "b_g", biasBefore, ps.BGate.Data.Data, 0)
	if len(ps.Trainable()) != 4 {
		t.Errorf("Expected 4 trainable params without bias, got %d", len(ps.Trainable()))
	}
}

// TestBackwardResetsAccumulators runs backward twice; gradients must not
// carry over between calls.
func TestBackwardResetsAccumulators(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	bottom := newTestBatch[float64](rng, 2, 1, 3, 2, 3, 2)
	layer, top := setupLayer[float64](t, testConfig(3, false, true), nil, bottom)
	forward(t, layer, bottom, top)
	w := maskedWeights(rng, top)

	backward(t, layer, bottom, top, w)
	first := make([][]float64, 0)
	for _, p := range layer.Params() {
		first = append(first, append([]float64(nil), p.Grad.Data...))
	}
	initFirst := append([]float64(nil), layer.InitialStateGrad()...)

	// stale values left by a caller must be cleared too
	for _, p := range layer.Params() {
		for i := range p.Grad.Data {
			p.Grad.Data[i] = 7
		}
	}
	backward(t, layer, bottom, top, w)
	for i, p := range layer.Params() {
		assertClose(t, p.Name, first[i], p.Grad.Data, 0)
	}
	assertClose(t, "initial state", initFirst, layer.InitialStateGrad(), 0)
}
