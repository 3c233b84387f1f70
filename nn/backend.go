package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// Backend defines the row-vector operations the recurrent cells are written against.
// This abstraction allows swapping implementations (generic loops, BLAS)
// without changing layer code.
//
// All operations accumulate into dst; none of them allocate.
// Weight tensors are 2-D and row-major.
type Backend[T Numeric] interface {
	// VecMat computes dst += x · w, w shape: [len(x), len(dst)]
	VecMat(dst, x []T, w *Tensor[T])

	// VecMatT computes dst += g · wᵀ, w shape: [len(dst), len(g)]
	VecMatT(dst, g []T, w *Tensor[T])

	// Outer computes dst += xᵀ · g, dst shape: [len(x), len(g)]
	Outer(dst *Tensor[T], x, g []T)

	// Name identifies the backend in logs and telemetry.
	Name() string
}

func checkVecMat[T Numeric](op string, rows, cols int, w *Tensor[T]) {
	if len(w.Shape) != 2 || w.Shape[0] != rows || w.Shape[1] != cols {
		panic(fmt.Sprintf("nn: %s expects weight [%d %d], got %v", op, rows, cols, w.Shape))
	}
}

// =============================================================================
// CPUBackend Implementation
// =============================================================================

// CPUBackend provides plain-loop operations for any Numeric type.
// Sums are accumulated in float64.
type CPUBackend[T Numeric] struct{}

// NewCPUBackend creates a new CPU backend.
func NewCPUBackend[T Numeric]() *CPUBackend[T] {
	return &CPUBackend[T]{}
}

func (b *CPUBackend[T]) Name() string { return "cpu" }

func (b *CPUBackend[T]) VecMat(dst, x []T, w *Tensor[T]) {
	checkVecMat("VecMat", len(x), len(dst), w)
	n := len(dst)
	for j := 0; j < n; j++ {
		sum := float64(0)
		for k, xv := range x {
			sum += float64(xv) * float64(w.Data[k*n+j])
		}
		dst[j] += T(sum)
	}
}

func (b *CPUBackend[T]) VecMatT(dst, g []T, w *Tensor[T]) {
	checkVecMat("VecMatT", len(dst), len(g), w)
	n := len(g)
	for i := range dst {
		row := w.Data[i*n : (i+1)*n]
		sum := float64(0)
		for j, gv := range g {
			sum += float64(gv) * float64(row[j])
		}
		dst[i] += T(sum)
	}
}

func (b *CPUBackend[T]) Outer(dst *Tensor[T], x, g []T) {
	checkVecMat("Outer", len(x), len(g), dst)
	n := len(g)
	for i, xv := range x {
		if xv == 0 {
			continue
		}
		row := dst.Data[i*n : (i+1)*n]
		for j, gv := range g {
			row[j] += xv * gv
		}
	}
}

// =============================================================================
// BLAS Implementations (gonum)
// =============================================================================

// BLAS64Backend runs the row-vector operations through gonum's blas64.
type BLAS64Backend struct{}

// NewBLAS64Backend creates a float64 BLAS backend.
func NewBLAS64Backend() *BLAS64Backend { return &BLAS64Backend{} }

func (b *BLAS64Backend) Name() string { return "blas64" }

func general64(w *Tensor[float64]) blas64.General {
	return blas64.General{Rows: w.Shape[0], Cols: w.Shape[1], Stride: max(1, w.Shape[1]), Data: w.Data}
}

func vec64(v []float64) blas64.Vector {
	return blas64.Vector{N: len(v), Data: v, Inc: 1}
}

func (b *BLAS64Backend) VecMat(dst, x []float64, w *Tensor[float64]) {
	checkVecMat("VecMat", len(x), len(dst), w)
	if len(x) == 0 || len(dst) == 0 {
		return
	}
	// x·w == wᵀ·x
	blas64.Gemv(blas.Trans, 1, general64(w), vec64(x), 1, vec64(dst))
}

func (b *BLAS64Backend) VecMatT(dst, g []float64, w *Tensor[float64]) {
	checkVecMat("VecMatT", len(dst), len(g), w)
	if len(g) == 0 || len(dst) == 0 {
		return
	}
	blas64.Gemv(blas.NoTrans, 1, general64(w), vec64(g), 1, vec64(dst))
}

func (b *BLAS64Backend) Outer(dst *Tensor[float64], x, g []float64) {
	checkVecMat("Outer", len(x), len(g), dst)
	if len(x) == 0 || len(g) == 0 {
		return
	}
	blas64.Ger(1, vec64(x), vec64(g), general64(dst))
}

// BLAS32Backend runs the row-vector operations through gonum's blas32.
type BLAS32Backend struct{}

// NewBLAS32Backend creates a float32 BLAS backend.
func NewBLAS32Backend() *BLAS32Backend { return &BLAS32Backend{} }

func (b *BLAS32Backend) Name() string { return "blas32" }

func general32(w *Tensor[float32]) blas32.General {
	return blas32.General{Rows: w.Shape[0], Cols: w.Shape[1], Stride: max(1, w.Shape[1]), Data: w.Data}
}

func vec32(v []float32) blas32.Vector {
	return blas32.Vector{N: len(v), Data: v, Inc: 1}
}

func (b *BLAS32Backend) VecMat(dst, x []float32, w *Tensor[float32]) {
	checkVecMat("VecMat", len(x), len(dst), w)
	if len(x) == 0 || len(dst) == 0 {
		return
	}
	blas32.Gemv(blas.Trans, 1, general32(w), vec32(x), 1, vec32(dst))
}

func (b *BLAS32Backend) VecMatT(dst, g []float32, w *Tensor[float32]) {
	checkVecMat("VecMatT", len(dst), len(g), w)
	if len(g) == 0 || len(dst) == 0 {
		return
	}
	blas32.Gemv(blas.NoTrans, 1, general32(w), vec32(g), 1, vec32(dst))
}

func (b *BLAS32Backend) Outer(dst *Tensor[float32], x, g []float32) {
	checkVecMat("Outer", len(x), len(g), dst)
	if len(x) == 0 || len(g) == 0 {
		return
	}
	blas32.Ger(1, vec32(x), vec32(g), general32(dst))
}

// =============================================================================
// Helper Functions for Type Conversion
// =============================================================================

// ConvertSliceTToFloat32 converts any Numeric slice to float32.
func ConvertSliceTToFloat32[T Numeric](src []T) []float32 {
	result := make([]float32, len(src))
	for i, v := range src {
		result[i] = float32(v)
	}
	return result
}

// ConvertSliceFloat32ToT converts a float32 slice to any Numeric type.
func ConvertSliceFloat32ToT[T Numeric](src []float32) []T {
	result := make([]T, len(src))
	for i, v := range src {
		result[i] = T(v)
	}
	return result
}
