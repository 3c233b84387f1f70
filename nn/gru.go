package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Option configures a GRULayer at construction.
type Option func(*layerOptions)

type layerOptions struct {
	log      *logrus.Entry
	observer LayerObserver
}

// WithLogger routes layer logging through log.
func WithLogger(log *logrus.Entry) Option {
	return func(o *layerOptions) { o.log = log }
}

// WithObserver attaches an observer notified after every pass.
func WithObserver(obs LayerObserver) Option {
	return func(o *layerOptions) { o.observer = obs }
}

// GRULayer is a gated recurrent unit over [batch, seq, time, feature]
// sequence batches with per-timeline valid lengths.
type GRULayer[T Numeric] struct {
	cfg      GRUConfig
	backend  Backend[T]
	log      *logrus.Entry
	observer LayerObserver

	params *ParameterSet[T]
	ws     *Workspace[T]
	proc   *BatchProcessor[T]
	steps  uint64
}

var _ Layer[float32] = (*GRULayer[float32])(nil)

// NewGRULayer creates an unset-up layer. A nil backend selects the CPU backend.
func NewGRULayer[T Numeric](cfg GRUConfig, backend Backend[T], opts ...Option) *GRULayer[T] {
	o := layerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if backend == nil {
		backend = NewCPUBackend[T]()
	}
	return &GRULayer[T]{
		cfg:      cfg,
		backend:  backend,
		log:      o.log.WithField("layer", "gru"),
		observer: o.observer,
	}
}

func checkArity[T Numeric](bottom, top []*SequenceBatch[T]) error {
	if len(bottom) != 1 || len(top) != 1 {
		return errors.Wrapf(ErrArity, "gru takes one input and one output, got %d and %d", len(bottom), len(top))
	}
	if bottom[0] == nil || top[0] == nil {
		return errors.Wrap(ErrArity, "gru input and output must be non-nil")
	}
	return nil
}

// Setup validates the configuration, infers the input width from bottom
// and creates the parameters. Each filler runs once.
func (l *GRULayer[T]) Setup(bottom, top []*SequenceBatch[T]) error {
	if err := checkArity(bottom, top); err != nil {
		return err
	}
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	if err := bottom[0].checkRank(); err != nil {
		return errors.Wrap(err, "gru input")
	}
	_, _, _, dInput := bottom[0].Shape()

	rng := rand.New(rand.NewSource(l.cfg.Seed))
	params, err := NewParameterSet[T](l.cfg, dInput, rng)
	if err != nil {
		return err
	}
	l.params = params
	l.ws = NewWorkspace(params, l.backend, l.cfg.Direction(), l.cfg.workers())
	l.proc = NewBatchProcessor(params, l.ws)

	l.log.WithFields(logrus.Fields{
		"d_input":   dInput,
		"d_mem":     params.Hidden,
		"direction": l.cfg.Direction().String(),
		"backend":   l.backend.Name(),
		"use_bias":  params.UseBias,
		"workers":   l.ws.Workers(),
	}).Info("gru layer set up")

	return l.Reshape(bottom, top)
}

// Reshape sizes top to [batch, seq, time, H] and the caches to match.
// A top that already has the right shape keeps its buffers.
func (l *GRULayer[T]) Reshape(bottom, top []*SequenceBatch[T]) error {
	if l.params == nil {
		return ErrNotSetup
	}
	if err := checkArity(bottom, top); err != nil {
		return err
	}
	in, out := bottom[0], top[0]
	if err := in.checkRank(); err != nil {
		return errors.Wrap(err, "gru input")
	}
	b, q, capacity, d := in.Shape()
	if d != l.params.Input {
		return errors.Wrapf(ErrShape, "gru input feature width %d, layer was set up for %d", d, l.params.Input)
	}
	if err := checkLengths(in.Lengths, capacity); err != nil {
		return err
	}
	h := l.params.Hidden
	if out.Data == nil || !out.Data.SameShape(b, q, capacity, h) || !out.hasGrad() || len(out.Lengths) != b*q {
		out.Resize(b, q, capacity, h)
	}
	copy(out.Lengths, in.Lengths)
	if l.ws.Ensure(b, q, capacity, h) {
		l.log.WithFields(logrus.Fields{
			"input":  in.Data.Shape,
			"output": out.Data.Shape,
			"gates":  l.ws.Gates.Shape,
		}).Debug("gru workspace resized")
	}
	return nil
}

// Forward computes the hidden states of every timeline into top.
func (l *GRULayer[T]) Forward(bottom, top []*SequenceBatch[T]) error {
	if l.params == nil {
		return ErrNotSetup
	}
	if err := checkArity(bottom, top); err != nil {
		return err
	}
	if l.cfg.CheckNumerics {
		if err := l.checkNumerics("forward", false); err != nil {
			return err
		}
	}
	if err := l.proc.Forward(bottom[0], top[0]); err != nil {
		return err
	}
	l.steps++
	l.notify("forward", top[0].Data, top[0].Lengths)
	return nil
}

// Backward runs BPTT for the last Forward. top.Grad holds the loss
// gradient of every output step and is used in place as the running
// hidden-state gradient, so it is modified. bottom.Grad is added into; the
// caller zeroes it. Parameter gradients are reset and then accumulated
// over every step of every timeline.
func (l *GRULayer[T]) Backward(top, bottom []*SequenceBatch[T]) error {
	if l.params == nil {
		return ErrNotSetup
	}
	if err := checkArity(bottom, top); err != nil {
		return err
	}
	if err := l.proc.Backward(top[0], bottom[0]); err != nil {
		return err
	}
	if l.cfg.CheckNumerics {
		if err := l.checkNumerics("backward", true); err != nil {
			return err
		}
	}
	l.notify("backward", bottom[0].Grad, bottom[0].Lengths)
	return nil
}

func (l *GRULayer[T]) checkNumerics(phase string, withGrads bool) error {
	err := checkParams(l.params, phase, withGrads)
	if err != nil {
		l.log.WithError(err).Error("non-finite values in gru parameters")
	}
	return err
}

func (l *GRULayer[T]) notify(kind string, data *Tensor[T], lengths []int) {
	if l.observer == nil {
		return
	}
	event := LayerEvent{
		Type:      kind,
		Layer:     "gru",
		Backend:   l.backend.Name(),
		Stats:     computeLayerStats(data, lengths, 0),
		Timelines: len(lengths),
		Steps:     sumLengths(lengths),
		StepCount: l.steps,
	}
	if kind == "forward" {
		l.observer.OnForward(event)
	} else {
		l.observer.OnBackward(event)
	}
}

// Update applies every trainable parameter's updater to its gradient.
func (l *GRULayer[T]) Update() error {
	if l.params == nil {
		return ErrNotSetup
	}
	l.params.Update()
	return nil
}

// UpdateSparse applies the named parameter's updater to the listed rows only.
func (l *GRULayer[T]) UpdateSparse(name string, rows []int) error {
	if l.params == nil {
		return ErrNotSetup
	}
	p, ok := l.params.Lookup(name)
	if !ok {
		return errors.Wrapf(ErrInvalidSetting, "gru has no parameter %q", name)
	}
	for _, r := range rows {
		if r < 0 || r >= p.Data.Rows() {
			return errors.Wrapf(ErrShape, "row %d outside [0,%d) of %s", r, p.Data.Rows(), name)
		}
	}
	p.Updater.UpdateSparse(p, rows)
	return nil
}

// Params returns the six parameters in setup order.
func (l *GRULayer[T]) Params() []*Param[T] {
	if l.params == nil {
		return nil
	}
	return l.params.All()
}

// ParameterSet returns the layer's parameters, nil before Setup.
func (l *GRULayer[T]) ParameterSet() *ParameterSet[T] { return l.params }

// Gates returns the gate activations of the last Forward, [batch, seq, time, 2H].
func (l *GRULayer[T]) Gates() *Tensor[T] {
	if l.ws == nil {
		return nil
	}
	return l.ws.Gates
}

// Candidates returns the candidates of the last Forward, [batch, seq, time, H].
func (l *GRULayer[T]) Candidates() *Tensor[T] {
	if l.ws == nil {
		return nil
	}
	return l.ws.Cands
}

// InitialStateGrad returns the gradient of the zero initial state summed
// over all timelines of the last Backward.
func (l *GRULayer[T]) InitialStateGrad() []T {
	if l.ws == nil {
		return nil
	}
	return l.ws.InitErr
}

// Direction returns the forward traversal order.
func (l *GRULayer[T]) Direction() Direction { return l.cfg.Direction() }

// SetObserver replaces the observer; nil disables notifications.
func (l *GRULayer[T]) SetObserver(obs LayerObserver) { l.observer = obs }

// Telemetry describes the layer. It is empty before Setup.
func (l *GRULayer[T]) Telemetry() LayerTelemetry {
	if l.params == nil {
		return LayerTelemetry{Type: "gru", Backend: l.backend.Name()}
	}
	return extractLayerTelemetry(l.params, l.cfg.Direction(), l.backend.Name(), l.ws.Workers())
}
