package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Filler assigns initial values to a parameter tensor. It runs once per
// parameter at setup.
type Filler[T Numeric] interface {
	Fill(t *Tensor[T])
}

// ConstantFiller sets every element to Value. The "zero" filler is a
// ConstantFiller with Value 0.
type ConstantFiller[T Numeric] struct {
	Value T
}

func (f *ConstantFiller[T]) Fill(t *Tensor[T]) {
	for i := range t.Data {
		t.Data[i] = f.Value
	}
}

// UniformFiller draws from U(-Range, Range).
type UniformFiller[T Numeric] struct {
	Range float64
	rng   *rand.Rand
}

func (f *UniformFiller[T]) Fill(t *Tensor[T]) {
	for i := range t.Data {
		t.Data[i] = T((f.rng.Float64()*2 - 1) * f.Range)
	}
}

// GaussianFiller draws from N(Mean, Std²).
type GaussianFiller[T Numeric] struct {
	Mean, Std float64
	rng       *rand.Rand
}

func (f *GaussianFiller[T]) Fill(t *Tensor[T]) {
	for i := range t.Data {
		t.Data[i] = T(f.Mean + f.rng.NormFloat64()*f.Std)
	}
}

// XavierFiller draws from N(0, 2/(fanIn+fanOut)) where fanIn and fanOut are
// the rows and columns of the 2-D parameter.
type XavierFiller[T Numeric] struct {
	rng *rand.Rand
}

func (f *XavierFiller[T]) Fill(t *Tensor[T]) {
	fanIn, fanOut := 1, len(t.Data)
	if len(t.Shape) == 2 {
		fanIn, fanOut = t.Shape[0], t.Shape[1]
	}
	std := math.Sqrt(2.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = T(f.rng.NormFloat64() * std)
	}
}

// NewFiller builds the filler named by cfg.Type.
func NewFiller[T Numeric](cfg FillerConfig, rng *rand.Rand) (Filler[T], error) {
	switch cfg.Type {
	case FillerZero:
		return &ConstantFiller[T]{}, nil
	case FillerConstant:
		return &ConstantFiller[T]{Value: T(cfg.Value)}, nil
	case FillerUniform:
		if cfg.Range <= 0 {
			return nil, errors.Wrapf(ErrInvalidSetting, "uniform filler needs range > 0, got %g", cfg.Range)
		}
		return &UniformFiller[T]{Range: cfg.Range, rng: rng}, nil
	case FillerGaussian:
		if cfg.Std < 0 {
			return nil, errors.Wrapf(ErrInvalidSetting, "gaussian filler needs std >= 0, got %g", cfg.Std)
		}
		return &GaussianFiller[T]{Mean: cfg.Mean, Std: cfg.Std, rng: rng}, nil
	case FillerXavier:
		return &XavierFiller[T]{rng: rng}, nil
	case "":
		return nil, errors.Wrap(ErrMissingSetting, "init_type")
	default:
		return nil, errors.Wrapf(ErrInvalidSetting, "unknown init_type %q", cfg.Type)
	}
}
