package nn

import "fmt"

// Numeric is the element type a backend can compute with.
// Only floating point types are allowed since every cell uses sigmoid and tanh.
type Numeric interface {
	~float32 | ~float64
}

// Tensor is a dense row-major tensor.
type Tensor[T Numeric] struct {
	Data    []T
	Shape   []int
	Strides []int
}

// NewTensor allocates a zeroed tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	t := &Tensor[T]{}
	t.Resize(shape...)
	return t
}

// NewTensorFromSlice wraps data (no copy) with the given shape.
// It panics if the element count does not match the shape.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	n := shapeSize(shape)
	if n != len(data) {
		panic(fmt.Sprintf("nn: %d elements cannot have shape %v", len(data), shape))
	}
	return &Tensor[T]{
		Data:    data,
		Shape:   append([]int(nil), shape...),
		Strides: rowMajorStrides(shape),
	}
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Resize changes the shape, reusing the backing array when it is large enough.
// Contents are zeroed.
func (t *Tensor[T]) Resize(shape ...int) {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("nn: negative dimension in shape %v", shape))
		}
	}
	n := shapeSize(shape)
	if cap(t.Data) >= n {
		t.Data = t.Data[:n]
		t.Zero()
	} else {
		t.Data = make([]T, n)
	}
	t.Shape = append(t.Shape[:0], shape...)
	t.Strides = rowMajorStrides(shape)
}

// SameShape reports whether t has exactly the given shape.
func (t *Tensor[T]) SameShape(shape ...int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i, d := range shape {
		if t.Shape[i] != d {
			return false
		}
	}
	return true
}

// Zero sets every element to 0.
func (t *Tensor[T]) Zero() {
	clear(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return &Tensor[T]{
		Data:    append([]T(nil), t.Data...),
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
	}
}

// Rows returns the first dimension of a 2-D tensor.
func (t *Tensor[T]) Rows() int { return t.Shape[0] }

// Cols returns the second dimension of a 2-D tensor.
func (t *Tensor[T]) Cols() int { return t.Shape[1] }

// Row returns row i of a 2-D tensor as a slice aliasing the data.
func (t *Tensor[T]) Row(i int) []T {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("nn: Row on tensor of shape %v", t.Shape))
	}
	c := t.Shape[1]
	return t.Data[i*c : (i+1)*c : (i+1)*c]
}

// AddFrom adds other elementwise into t. Shapes must hold the same element count.
func (t *Tensor[T]) AddFrom(other *Tensor[T]) {
	if len(other.Data) != len(t.Data) {
		panic(fmt.Sprintf("nn: AddFrom size mismatch %d vs %d", len(t.Data), len(other.Data)))
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
}
