package nn

import "fmt"

// GateLayout describes how the fused gate row of width 2*Hidden is split.
// The reset gate occupies the first Hidden columns and the update gate the next Hidden.
// Forward and backward both depend on this ordering.
type GateLayout struct {
	Hidden int
}

// Width is the fused gate width.
func (g GateLayout) Width() int { return 2 * g.Hidden }

// GateView aliases the two halves of one gate row. Writes through a view
// are visible in the source buffer and vice versa.
type GateView[T Numeric] struct {
	Reset  []T
	Update []T
}

// Split views a [1, 2*Hidden] tensor. It panics if the tensor does not have
// exactly one row of the expected width.
func Split[T Numeric](g GateLayout, t *Tensor[T]) GateView[T] {
	if len(t.Shape) != 2 || t.Shape[0] != 1 {
		panic(fmt.Sprintf("nn: gate split needs exactly one row, got shape %v", t.Shape))
	}
	return SplitRow(g, t.Data)
}

// SplitRow views a raw gate row. It panics if len(row) != 2*Hidden.
func SplitRow[T Numeric](g GateLayout, row []T) GateView[T] {
	h := g.Hidden
	if len(row) != 2*h {
		panic(fmt.Sprintf("nn: gate row has width %d, want %d", len(row), 2*h))
	}
	return GateView[T]{
		Reset:  row[0:h:h],
		Update: row[h : 2*h : 2*h],
	}
}
