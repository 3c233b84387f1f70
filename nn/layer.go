package nn

// Layer is the capability surface a network uses to drive a layer. Setup
// and Reshape take the bottom (input) and top (output) batches; a GRU
// accepts exactly one of each.
type Layer[T Numeric] interface {
	// Setup validates the configuration and creates the parameters.
	Setup(bottom, top []*SequenceBatch[T]) error

	// Reshape sizes top and the internal caches for the bottom shape.
	Reshape(bottom, top []*SequenceBatch[T]) error

	Forward(bottom, top []*SequenceBatch[T]) error

	// Backward reads (and may modify) top gradients and adds into bottom
	// gradients.
	Backward(top, bottom []*SequenceBatch[T]) error

	Params() []*Param[T]
}
