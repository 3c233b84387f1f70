package nn

import (
	"fmt"
	"math"
)

const maxBadIndices = 10

// NumericError reports non-finite values found in a buffer.
type NumericError struct {
	Name       string // e.g. "w_g", "w_g.grad"
	Phase      string // "forward" or "backward"
	Shape      []int
	NaNCount   int
	InfCount   int
	MinValue   float64 // over the finite values
	MaxValue   float64
	BadIndices []int // first corrupted indices
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("gru %s: %s %v has %d NaN, %d Inf (first at %v, finite range [%.4g, %.4g])",
		e.Phase, e.Name, e.Shape, e.NaNCount, e.InfCount, e.BadIndices, e.MinValue, e.MaxValue)
}

// CheckFinite scans t and returns a *NumericError if any element is NaN or
// infinite, nil otherwise.
func CheckFinite[T Numeric](name string, t *Tensor[T]) error {
	info := &NumericError{
		Name:     name,
		Shape:    append([]int(nil), t.Shape...),
		MinValue: math.Inf(1),
		MaxValue: math.Inf(-1),
	}
	for i, v := range t.Data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			info.NaNCount++
		case math.IsInf(f, 0):
			info.InfCount++
		default:
			info.MinValue = math.Min(info.MinValue, f)
			info.MaxValue = math.Max(info.MaxValue, f)
			continue
		}
		if len(info.BadIndices) < maxBadIndices {
			info.BadIndices = append(info.BadIndices, i)
		}
	}
	if info.NaNCount == 0 && info.InfCount == 0 {
		return nil
	}
	// all-corrupt tensors
	if math.IsInf(info.MinValue, 1) {
		info.MinValue, info.MaxValue = 0, 0
	}
	return info
}

// checkParams scans parameter data, and gradients when withGrads is set.
func checkParams[T Numeric](ps *ParameterSet[T], phase string, withGrads bool) error {
	for _, p := range ps.All() {
		if err := CheckFinite(p.Name, p.Data); err != nil {
			err.(*NumericError).Phase = phase
			return err
		}
		if !withGrads {
			continue
		}
		if err := CheckFinite(p.Name+".grad", p.Grad); err != nil {
			err.(*NumericError).Phase = phase
			return err
		}
	}
	return nil
}
