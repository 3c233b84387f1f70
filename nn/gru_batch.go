package nn

import (
	"sync"

	"github.com/pkg/errors"
)

// BatchProcessor runs a SequenceDriver over every (batch, seq) pair of a
// sequence batch. Pairs are independent; with more than one worker they
// are split into contiguous chunks, one goroutine per chunk.
type BatchProcessor[T Numeric] struct {
	params *ParameterSet[T]
	ws     *Workspace[T]
}

// NewBatchProcessor binds a processor to parameters and a workspace.
func NewBatchProcessor[T Numeric](params *ParameterSet[T], ws *Workspace[T]) *BatchProcessor[T] {
	return &BatchProcessor[T]{params: params, ws: ws}
}

// checkLengths rejects any length outside [0, capacity].
func checkLengths(lengths []int, capacity int) error {
	for i, l := range lengths {
		if l < 0 {
			return errors.Wrapf(ErrSequenceLength, "timeline %d has negative length %d", i, l)
		}
		if l > capacity {
			return errors.Wrapf(ErrSequenceLength, "timeline %d has length %d beyond capacity %d", i, l, capacity)
		}
	}
	return nil
}

// checkPair validates input and output against each other and the
// parameters. Nothing is written.
func (bp *BatchProcessor[T]) checkPair(bottom, top *SequenceBatch[T]) error {
	if err := bottom.checkRank(); err != nil {
		return errors.Wrap(err, "input")
	}
	if err := top.checkRank(); err != nil {
		return errors.Wrap(err, "output")
	}
	b, q, capacity, d := bottom.Shape()
	if d != bp.params.Input {
		return errors.Wrapf(ErrShape, "input feature width %d, layer was set up for %d", d, bp.params.Input)
	}
	if !top.Data.SameShape(b, q, capacity, bp.params.Hidden) {
		return errors.Wrapf(ErrShape, "output shape %v, want %v", top.Data.Shape, []int{b, q, capacity, bp.params.Hidden})
	}
	return checkLengths(bottom.Lengths, capacity)
}

func (bp *BatchProcessor[T]) timeline(bottom, top *SequenceBatch[T], b, q int) *Timeline[T] {
	tl := &Timeline[T]{
		X:       bottom.Timeline(b, q),
		H:       top.Timeline(b, q),
		Gate:    timelineOf(bp.ws.Gates, b, q),
		Cand:    timelineOf(bp.ws.Cands, b, q),
		GateErr: timelineOf(bp.ws.GateErr, b, q),
		CandErr: timelineOf(bp.ws.CandErr, b, q),
	}
	if bottom.hasGrad() {
		tl.XErr = bottom.GradTimeline(b, q)
	}
	if top.hasGrad() {
		tl.HErr = top.GradTimeline(b, q)
	}
	return tl
}

// Forward fills top with the hidden states of every timeline. top must
// already have shape [batch, seq, time, H]; its data is zeroed and its
// lengths are copied from bottom.
func (bp *BatchProcessor[T]) Forward(bottom, top *SequenceBatch[T]) error {
	if err := bp.checkPair(bottom, top); err != nil {
		return err
	}
	b, q, capacity, _ := bottom.Shape()
	bp.ws.Ensure(b, q, capacity, bp.params.Hidden)
	bp.ws.resetForward()
	top.Data.Zero()
	copy(top.Lengths, bottom.Lengths)

	bp.fanOut(b*q, func(w *worker[T], pair int) {
		bi, qi := pair/q, pair%q
		w.driver.Forward(bp.timeline(bottom, top, bi, qi), bottom.Length(bi, qi))
	})
	return nil
}

// Backward propagates top.Grad through the last Forward. It adds into
// bottom.Grad and overwrites the parameter gradients. top.Grad is used as
// the running hidden-state gradient and is modified in place.
func (bp *BatchProcessor[T]) Backward(top, bottom *SequenceBatch[T]) error {
	if err := bp.checkPair(bottom, top); err != nil {
		return err
	}
	if !top.hasGrad() {
		return errors.Wrap(ErrShape, "output has no gradient buffer")
	}
	if !bottom.hasGrad() {
		return errors.Wrap(ErrShape, "input has no gradient buffer")
	}
	b, q, capacity, _ := bottom.Shape()
	if bp.ws.shape != [3]int{b, q, capacity} {
		return errors.Wrap(ErrShape, "backward without a forward of the same shape")
	}

	bp.params.ZeroGrads()
	grads := bp.params.Grads()
	bp.ws.resetBackward()

	bp.fanOut(b*q, func(w *worker[T], pair int) {
		bi, qi := pair/q, pair%q
		w.driver.Backward(bp.timeline(bottom, top, bi, qi), bottom.Length(bi, qi), w.grads)
	})
	bp.ws.merge(grads)
	return nil
}

// fanOut calls fn for every pair in [0, n). Worker w handles the w-th
// contiguous chunk.
func (bp *BatchProcessor[T]) fanOut(n int, fn func(w *worker[T], pair int)) {
	workers := bp.ws.workers
	if len(workers) == 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(workers[0], i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := (n + len(workers) - 1) / len(workers)
	for w := range workers {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(wk *worker[T], start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(wk, i)
			}
		}(workers[w], start, end)
	}
	wg.Wait()
}
