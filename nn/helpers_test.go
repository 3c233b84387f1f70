package nn

import (
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
)

// quietLogger discards layer logging in tests.
func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// testConfig returns a config with gaussian weights (and biases) so every
// parameter is non-trivial.
func testConfig(hidden int, reverse, useBias bool) GRUConfig {
	cfg := DefaultGRUConfig(hidden, reverse)
	cfg.SetFillers(FillerConfig{Type: FillerGaussian, Std: 0.5})
	cfg.UseBias = useBias
	cfg.Seed = 7
	return cfg
}

// newTestBatch builds a batch filled with uniform noise in [-1, 1) and the
// given lengths.
func newTestBatch[T Numeric](rng *rand.Rand, batch, seqs, capacity, features int, lengths ...int) *SequenceBatch[T] {
	s := NewSequenceBatch[T](batch, seqs, capacity, features)
	for i := range s.Data.Data {
		s.Data.Data[i] = T(rng.Float64()*2 - 1)
	}
	copy(s.Lengths, lengths)
	return s
}

// setupLayer creates and sets up a layer on bottom, returning the output batch.
func setupLayer[T Numeric](t *testing.T, cfg GRUConfig, backend Backend[T], bottom *SequenceBatch[T]) (*GRULayer[T], *SequenceBatch[T]) {
	t.Helper()
	layer := NewGRULayer[T](cfg, backend, WithLogger(quietLogger()))
	top := &SequenceBatch[T]{}
	if err := layer.Setup([]*SequenceBatch[T]{bottom}, []*SequenceBatch[T]{top}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return layer, top
}

func forward[T Numeric](t *testing.T, l *GRULayer[T], bottom, top *SequenceBatch[T]) {
	t.Helper()
	if err := l.Forward([]*SequenceBatch[T]{bottom}, []*SequenceBatch[T]{top}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
}

// backward loads lossGrad into top.Grad, zeroes bottom.Grad and runs Backward.
func backward[T Numeric](t *testing.T, l *GRULayer[T], bottom, top *SequenceBatch[T], lossGrad []T) {
	t.Helper()
	copy(top.Grad.Data, lossGrad)
	bottom.Grad.Zero()
	if err := l.Backward([]*SequenceBatch[T]{top}, []*SequenceBatch[T]{bottom}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
}

// maskedWeights returns random loss weights for valid rows and zero for
// padding, shaped like out.
func maskedWeights(rng *rand.Rand, out *SequenceBatch[float64]) []float64 {
	w := make([]float64, len(out.Data.Data))
	b, q, capacity, h := out.Shape()
	for bi := 0; bi < b; bi++ {
		for qi := 0; qi < q; qi++ {
			base := (bi*q + qi) * capacity * h
			for i := 0; i < out.Length(bi, qi)*h; i++ {
				w[base+i] = rng.Float64()*2 - 1
			}
		}
	}
	return w
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func assertClose(t *testing.T, what string, want, got []float64, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: expected %d values, got %d", what, len(want), len(got))
	}
	for i := range want {
		scale := math.Max(1, math.Max(math.Abs(want[i]), math.Abs(got[i])))
		if math.Abs(want[i]-got[i]) > tol*scale {
			t.Errorf("%s[%d]: expected %.10g, got %.10g", what, i, want[i], got[i])
			return
		}
	}
}

func toFloat64[T Numeric](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func newRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }
