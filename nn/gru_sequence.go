package nn

// Direction is the time order of the forward recurrence.
type Direction int

const (
	// LeftToRight runs t = 0 … L-1; the state before t = 0 is the initial state.
	LeftToRight Direction = iota
	// RightToLeft runs t = L-1 … 0; the state after t = L-1 is the initial state.
	RightToLeft
)

func (d Direction) String() string {
	if d == RightToLeft {
		return "right-to-left"
	}
	return "left-to-right"
}

// step is the forward time increment; the previous state of t lives at t - step.
func (d Direction) step() int {
	if d == RightToLeft {
		return -1
	}
	return 1
}

// Opposite returns the other direction. Backward traverses in the
// opposite direction of forward.
func (d Direction) Opposite() Direction {
	if d == RightToLeft {
		return LeftToRight
	}
	return RightToLeft
}

// Timeline is one (batch, seq) pair's view of every layer buffer. All
// slices are flattened [time, width] blocks of the same capacity.
type Timeline[T Numeric] struct {
	X    []T // [cap, dInput]
	H    []T // [cap, H]
	Gate []T // [cap, 2H]
	Cand []T // [cap, H]

	XErr    []T
	HErr    []T
	GateErr []T
	CandErr []T
}

func rowAt[T Numeric](block []T, t, width int) []T {
	return block[t*width : (t+1)*width : (t+1)*width]
}

// SequenceDriver threads the hidden state through one timeline.
type SequenceDriver[T Numeric] struct {
	cell      *StepCell[T]
	direction Direction
	hidden    int
	input     int

	init    []T // zero initial state, never written
	initErr []T // gradient sink for the initial state
}

// NewSequenceDriver binds a cell to a direction. initErr receives the
// gradient that flows into the initial state; it may be shared by calls
// that run sequentially.
func NewSequenceDriver[T Numeric](cell *StepCell[T], direction Direction, initErr []T) *SequenceDriver[T] {
	return &SequenceDriver[T]{
		cell:      cell,
		direction: direction,
		hidden:    cell.params.Hidden,
		input:     cell.params.Input,
		init:      make([]T, cell.params.Hidden),
		initErr:   initErr,
	}
}

// endpoints returns the first and last time index of the forward pass.
func (sd *SequenceDriver[T]) endpoints(length int) (first, last int) {
	if sd.direction == RightToLeft {
		return length - 1, 0
	}
	return 0, length - 1
}

func (sd *SequenceDriver[T]) state(tl *Timeline[T], t int) StepState[T] {
	h, d := sd.hidden, sd.input
	return StepState[T]{
		X:    rowAt(tl.X, t, d),
		Gate: rowAt(tl.Gate, t, 2*h),
		Cand: rowAt(tl.Cand, t, h),
		H:    rowAt(tl.H, t, h),
	}
}

// Forward runs the recurrence over the valid prefix [0, length). Rows at
// or beyond length are not touched.
func (sd *SequenceDriver[T]) Forward(tl *Timeline[T], length int) {
	if length == 0 {
		return
	}
	first, _ := sd.endpoints(length)
	step := sd.direction.step()
	h := sd.hidden
	for i := 0; i < length; i++ {
		t := first + i*step
		s := sd.state(tl, t)
		if t == first {
			s.HPrev = sd.init
		} else {
			s.HPrev = rowAt(tl.H, t-step, h)
		}
		sd.cell.Forward(s)
	}
}

// Backward walks the valid prefix in the opposite order of Forward. The
// gradient row of step t is read from tl.HErr, which already holds the
// external loss gradient; the previous state's gradient is added into the
// row at t - step so that the next step processed sees the sum of both.
func (sd *SequenceDriver[T]) Backward(tl *Timeline[T], length int, grads *GradSet[T]) {
	if length == 0 {
		return
	}
	first, last := sd.endpoints(length)
	step := sd.direction.step()
	h, d := sd.hidden, sd.input
	for i := 0; i < length; i++ {
		t := last - i*step
		s := sd.state(tl, t)
		e := StepErrors[T]{
			H:    rowAt(tl.HErr, t, h),
			X:    rowAt(tl.XErr, t, d),
			Gate: rowAt(tl.GateErr, t, 2*h),
			Cand: rowAt(tl.CandErr, t, h),
		}
		if t == first {
			s.HPrev = sd.init
			e.HPrev = sd.initErr
		} else {
			s.HPrev = rowAt(tl.H, t-step, h)
			e.HPrev = rowAt(tl.HErr, t-step, h)
		}
		sd.cell.Backward(s, e, grads)
	}
}
