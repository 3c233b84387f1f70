package nn

import (
	"math"
)

// sigmoid implements the logistic function 1 / (1 + exp(-v))
func sigmoid[T Numeric](v T) T {
	return T(1.0 / (1.0 + math.Exp(-float64(v))))
}

// sigmoidGrad is the sigmoid derivative expressed through the activation output y
func sigmoidGrad[T Numeric](y T) T {
	return y * (1 - y)
}

func tanh[T Numeric](v T) T {
	return T(math.Tanh(float64(v)))
}

// tanhGrad is the tanh derivative expressed through the activation output y
func tanhGrad[T Numeric](y T) T {
	return 1 - y*y
}

// sigmoidInPlace applies sigmoid to every element of v
func sigmoidInPlace[T Numeric](v []T) {
	for i, x := range v {
		v[i] = sigmoid(x)
	}
}

// tanhInPlace applies tanh to every element of v
func tanhInPlace[T Numeric](v []T) {
	for i, x := range v {
		v[i] = tanh(x)
	}
}
