package nn

// Workspace owns the per-call buffers of one GRU layer. Buffers are keyed
// by the [batch, seq, time] shape and only reallocated when it changes;
// Forward and Backward zero what they use on entry, so nothing leaks
// between calls.
type Workspace[T Numeric] struct {
	Gates   *Tensor[T] // [batch, seq, time, 2H]
	Cands   *Tensor[T] // [batch, seq, time, H]
	GateErr *Tensor[T]
	CandErr *Tensor[T]

	// InitErr is the gradient of the (zero) initial state summed over every
	// timeline of the last backward.
	InitErr []T

	shape   [3]int
	workers []*worker[T]
}

// worker is the private state of one goroutine.
type worker[T Numeric] struct {
	driver  *SequenceDriver[T]
	grads   *GradSet[T]
	initErr []T
	shared  bool // grads and initErr alias the layer's own accumulators
}

// NewWorkspace builds the per-worker cells and drivers. With a single worker
// the accumulators are the parameters' own; otherwise each worker gets a
// private set.
func NewWorkspace[T Numeric](params *ParameterSet[T], backend Backend[T], direction Direction, workers int) *Workspace[T] {
	if workers < 1 {
		workers = 1
	}
	ws := &Workspace[T]{
		Gates:   &Tensor[T]{},
		Cands:   &Tensor[T]{},
		GateErr: &Tensor[T]{},
		CandErr: &Tensor[T]{},
		InitErr: make([]T, params.Hidden),
		shape:   [3]int{-1, -1, -1},
	}
	for i := 0; i < workers; i++ {
		w := &worker[T]{}
		if workers == 1 {
			w.grads, w.initErr, w.shared = params.Grads(), ws.InitErr, true
		} else {
			w.grads, w.initErr = newGradSet(params), make([]T, params.Hidden)
		}
		w.driver = NewSequenceDriver(NewStepCell(params, backend), direction, w.initErr)
		ws.workers = append(ws.workers, w)
	}
	return ws
}

// Ensure sizes the caches for [batch, seq, time]. It reports whether any
// buffer was reallocated.
func (ws *Workspace[T]) Ensure(batch, seqs, capacity, hidden int) bool {
	key := [3]int{batch, seqs, capacity}
	if key == ws.shape && ws.Cands.SameShape(batch, seqs, capacity, hidden) {
		return false
	}
	ws.Gates.Resize(batch, seqs, capacity, 2*hidden)
	ws.Cands.Resize(batch, seqs, capacity, hidden)
	ws.GateErr.Resize(batch, seqs, capacity, 2*hidden)
	ws.CandErr.Resize(batch, seqs, capacity, hidden)
	ws.shape = key
	return true
}

// Workers returns the number of goroutines a pass fans out to.
func (ws *Workspace[T]) Workers() int { return len(ws.workers) }

// resetForward zeroes the forward caches.
func (ws *Workspace[T]) resetForward() {
	ws.Gates.Zero()
	ws.Cands.Zero()
}

// resetBackward zeroes the backward scratch and every private accumulator.
func (ws *Workspace[T]) resetBackward() {
	ws.GateErr.Zero()
	ws.CandErr.Zero()
	clear(ws.InitErr)
	for _, w := range ws.workers {
		if !w.shared {
			w.grads.Zero()
			clear(w.initErr)
		}
	}
}

// merge adds the private accumulators into dst in worker order.
func (ws *Workspace[T]) merge(dst *GradSet[T]) {
	for _, w := range ws.workers {
		if w.shared {
			continue
		}
		w.grads.AddTo(dst)
		for i, v := range w.initErr {
			ws.InitErr[i] += v
		}
	}
}
