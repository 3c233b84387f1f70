package nn

import "github.com/pkg/errors"

// SequenceBatch carries a [batch, seq, time, feature] tensor, its gradient and
// the valid length of every (batch, seq) timeline.
// Time indices at or beyond a timeline's length are padding.
type SequenceBatch[T Numeric] struct {
	Data    *Tensor[T]
	Grad    *Tensor[T]
	Lengths []int // [batch*seq]
}

// NewSequenceBatch allocates zeroed data and gradient tensors.
// Every length starts at the full time capacity.
func NewSequenceBatch[T Numeric](batch, seqs, capacity, features int) *SequenceBatch[T] {
	s := &SequenceBatch[T]{
		Data: NewTensor[T](batch, seqs, capacity, features),
		Grad: NewTensor[T](batch, seqs, capacity, features),
	}
	s.Lengths = make([]int, batch*seqs)
	for i := range s.Lengths {
		s.Lengths[i] = capacity
	}
	return s
}

// Resize reshapes data and gradient, zeroing both. Lengths are reallocated
// only when the number of timelines changes.
func (s *SequenceBatch[T]) Resize(batch, seqs, capacity, features int) {
	if s.Data == nil {
		s.Data = &Tensor[T]{}
	}
	if s.Grad == nil {
		s.Grad = &Tensor[T]{}
	}
	s.Data.Resize(batch, seqs, capacity, features)
	s.Grad.Resize(batch, seqs, capacity, features)
	if len(s.Lengths) != batch*seqs {
		s.Lengths = make([]int, batch*seqs)
	}
}

// Shape returns the four logical dimensions.
func (s *SequenceBatch[T]) Shape() (batch, seqs, capacity, features int) {
	sh := s.Data.Shape
	return sh[0], sh[1], sh[2], sh[3]
}

func (s *SequenceBatch[T]) checkRank() error {
	if s == nil || s.Data == nil || len(s.Data.Shape) != 4 {
		return errors.Wrap(ErrShape, "sequence batch must be 4-D [batch, seq, time, feature]")
	}
	b, q, _, _ := s.Shape()
	if len(s.Lengths) != b*q {
		return errors.Wrapf(ErrShape, "got %d lengths for %d timelines", len(s.Lengths), b*q)
	}
	if s.Grad != nil && len(s.Grad.Data) != 0 && len(s.Grad.Data) != len(s.Data.Data) {
		return errors.Wrapf(ErrShape, "gradient shape %v does not match data shape %v", s.Grad.Shape, s.Data.Shape)
	}
	return nil
}

// hasGrad reports whether a gradient buffer matching the data is attached.
func (s *SequenceBatch[T]) hasGrad() bool {
	return s.Grad != nil && len(s.Grad.Data) == len(s.Data.Data)
}

// Length returns the valid length of timeline (b, q).
func (s *SequenceBatch[T]) Length(b, q int) int {
	return s.Lengths[b*s.Data.Shape[1]+q]
}

// SetLength sets the valid length of timeline (b, q).
func (s *SequenceBatch[T]) SetLength(b, q, length int) {
	s.Lengths[b*s.Data.Shape[1]+q] = length
}

// Timeline returns the [time*feature] block of timeline (b, q) from the data tensor.
func (s *SequenceBatch[T]) Timeline(b, q int) []T {
	return timelineOf(s.Data, b, q)
}

// GradTimeline is Timeline for the gradient tensor.
func (s *SequenceBatch[T]) GradTimeline(b, q int) []T {
	return timelineOf(s.Grad, b, q)
}

// Row returns the feature row at (b, q, t).
func (s *SequenceBatch[T]) Row(b, q, t int) []T {
	f := s.Data.Shape[3]
	tl := s.Timeline(b, q)
	return tl[t*f : (t+1)*f : (t+1)*f]
}

// timelineOf slices the [time*width] block of a 4-D tensor.
func timelineOf[T Numeric](t *Tensor[T], b, q int) []T {
	stride := t.Strides[1]
	off := b*t.Strides[0] + q*stride
	return t.Data[off : off+stride : off+stride]
}
