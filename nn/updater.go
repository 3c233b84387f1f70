package nn

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Updater applies a parameter's accumulated gradient to its data. Each
// parameter owns its updater, so momentum and moment buffers are per parameter.
type Updater[T Numeric] interface {
	// Update applies the whole gradient.
	Update(p *Param[T])

	// UpdateSparse applies the gradient of the listed first-axis rows only.
	UpdateSparse(p *Param[T], rows []int)

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// Name returns the optimizer name
	Name() string
}

// NewUpdater builds the updater named by cfg.Type.
func NewUpdater[T Numeric](cfg UpdaterConfig) (Updater[T], error) {
	if cfg.Momentum < 0 {
		return nil, errors.Wrapf(ErrInvalidSetting, "momentum must be >= 0, got %g", cfg.Momentum)
	}
	switch cfg.Type {
	case UpdaterSGD:
		return &SGDUpdater[T]{cfg: cfg}, nil
	case UpdaterAdamW:
		if cfg.Beta1 == 0 {
			cfg.Beta1 = 0.9
		}
		if cfg.Beta2 == 0 {
			cfg.Beta2 = 0.999
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = 1e-8
		}
		if cfg.Beta1 >= 1 || cfg.Beta2 >= 1 {
			return nil, errors.Wrapf(ErrInvalidSetting, "adamw betas must be < 1, got %g, %g", cfg.Beta1, cfg.Beta2)
		}
		return &AdamWUpdater[T]{cfg: cfg}, nil
	case UpdaterRMSprop:
		if cfg.Alpha == 0 {
			cfg.Alpha = 0.99
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = 1e-8
		}
		return &RMSpropUpdater[T]{cfg: cfg}, nil
	case "":
		return nil, errors.Wrap(ErrMissingSetting, "updater_type")
	default:
		return nil, errors.Wrapf(ErrInvalidSetting, "unknown updater_type %q", cfg.Type)
	}
}

// applyFunc updates one element; i indexes the optimizer state.
type applyFunc[T Numeric] func(i int, w *T, g float64)

// forRows runs apply over the whole parameter, or over the listed rows when
// rows is non-nil. Gradients are clamped to [-cut, cut] first when cut > 0.
func forRows[T Numeric](p *Param[T], rows []int, cut float64, apply applyFunc[T]) {
	if !p.Data.SameShape(p.Grad.Shape...) {
		panic(fmt.Sprintf("nn: param %s data %v and grad %v differ", p.Name, p.Data.Shape, p.Grad.Shape))
	}
	grad := func(i int) float64 {
		g := float64(p.Grad.Data[i])
		if cut > 0 {
			g = math.Max(-cut, math.Min(cut, g))
		}
		return g
	}
	if rows == nil {
		for i := range p.Data.Data {
			apply(i, &p.Data.Data[i], grad(i))
		}
		return
	}
	width := p.Data.Strides[0]
	for _, r := range rows {
		if r < 0 || r >= p.Data.Shape[0] {
			panic(fmt.Sprintf("nn: sparse update row %d outside [0,%d) of %s", r, p.Data.Shape[0], p.Name))
		}
		for i := r * width; i < (r+1)*width; i++ {
			apply(i, &p.Data.Data[i], grad(i))
		}
	}
}

func ensureState(buf []float64, n int) []float64 {
	if len(buf) != n {
		return make([]float64, n)
	}
	return buf
}

// ============================================================================
// SGD (with optional momentum, nesterov and L2 decay)
// ============================================================================

type SGDUpdater[T Numeric] struct {
	cfg      UpdaterConfig
	velocity []float64
}

func (u *SGDUpdater[T]) Update(p *Param[T]) { u.step(p, nil) }

func (u *SGDUpdater[T]) UpdateSparse(p *Param[T], rows []int) {
	if rows == nil {
		rows = []int{}
	}
	u.step(p, rows)
}

func (u *SGDUpdater[T]) step(p *Param[T], rows []int) {
	c := u.cfg
	if c.Momentum > 0 {
		u.velocity = ensureState(u.velocity, len(p.Data.Data))
	}
	forRows(p, rows, c.GradCutOff, func(i int, w *T, g float64) {
		g += c.WeightDecay * float64(*w)
		if c.Momentum <= 0 {
			*w -= T(c.LearningRate * g)
			return
		}
		// v = momentum * v + (1 - dampening) * grad
		u.velocity[i] = c.Momentum*u.velocity[i] + (1-c.Dampening)*g
		if c.Nesterov {
			*w -= T(c.LearningRate * (g + c.Momentum*u.velocity[i]))
		} else {
			*w -= T(c.LearningRate * u.velocity[i])
		}
	})
}

func (u *SGDUpdater[T]) Reset() { u.velocity = nil }

func (u *SGDUpdater[T]) Name() string {
	if u.cfg.Momentum > 0 {
		if u.cfg.Nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW (Adam with decoupled weight decay)
// ============================================================================

type AdamWUpdater[T Numeric] struct {
	cfg  UpdaterConfig
	step int
	m, v []float64
}

func (u *AdamWUpdater[T]) Update(p *Param[T]) { u.apply(p, nil) }

func (u *AdamWUpdater[T]) UpdateSparse(p *Param[T], rows []int) {
	if rows == nil {
		rows = []int{}
	}
	u.apply(p, rows)
}

func (u *AdamWUpdater[T]) apply(p *Param[T], rows []int) {
	c := u.cfg
	u.step++
	u.m = ensureState(u.m, len(p.Data.Data))
	u.v = ensureState(u.v, len(p.Data.Data))

	biasCorrection1 := 1 - math.Pow(c.Beta1, float64(u.step))
	biasCorrection2 := 1 - math.Pow(c.Beta2, float64(u.step))

	forRows(p, rows, c.GradCutOff, func(i int, w *T, g float64) {
		u.m[i] = c.Beta1*u.m[i] + (1-c.Beta1)*g
		u.v[i] = c.Beta2*u.v[i] + (1-c.Beta2)*g*g
		mHat := u.m[i] / biasCorrection1
		vHat := u.v[i] / biasCorrection2
		*w -= T(c.LearningRate * (mHat/(math.Sqrt(vHat)+c.Epsilon) + c.WeightDecay*float64(*w)))
	})
}

func (u *AdamWUpdater[T]) Reset() {
	u.step = 0
	u.m, u.v = nil, nil
}

func (u *AdamWUpdater[T]) Name() string { return "AdamW" }

// ============================================================================
// RMSprop
// ============================================================================

type RMSpropUpdater[T Numeric] struct {
	cfg UpdaterConfig
	v   []float64 // running average of squared gradients
	buf []float64 // momentum buffer
}

func (u *RMSpropUpdater[T]) Update(p *Param[T]) { u.apply(p, nil) }

func (u *RMSpropUpdater[T]) UpdateSparse(p *Param[T], rows []int) {
	if rows == nil {
		rows = []int{}
	}
	u.apply(p, rows)
}

func (u *RMSpropUpdater[T]) apply(p *Param[T], rows []int) {
	c := u.cfg
	u.v = ensureState(u.v, len(p.Data.Data))
	if c.Momentum > 0 {
		u.buf = ensureState(u.buf, len(p.Data.Data))
	}
	forRows(p, rows, c.GradCutOff, func(i int, w *T, g float64) {
		u.v[i] = c.Alpha*u.v[i] + (1-c.Alpha)*g*g
		step := g / math.Sqrt(u.v[i]+c.Epsilon)
		if c.Momentum > 0 {
			u.buf[i] = c.Momentum*u.buf[i] + step
			step = u.buf[i]
		}
		*w -= T(c.LearningRate * step)
	})
}

func (u *RMSpropUpdater[T]) Reset() { u.v, u.buf = nil, nil }

func (u *RMSpropUpdater[T]) Name() string {
	if u.cfg.Momentum > 0 {
		return "RMSprop (momentum)"
	}
	return "RMSprop"
}
