package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GRUSpec defines one GRU timeline on the GPU. Weight layouts match the
// CPU layer: row-major [rows, cols] with the gate columns ordered reset
// then update.
type GRUSpec struct {
	InputSize  int  // d_input
	HiddenSize int  // H
	SeqLen     int  // time capacity
	Reverse    bool // run right-to-left
	UseBias    bool

	WGate []float32 // [InputSize * 2H]
	UGate []float32 // [H * 2H]
	BGate []float32 // [2H]
	WCand []float32 // [InputSize * H]
	UCand []float32 // [H * H]
	BCand []float32 // [H]
}

// Validate checks sizes against the dimensions.
func (s *GRUSpec) Validate() error {
	d, h := s.InputSize, s.HiddenSize
	if d <= 0 || h <= 0 || s.SeqLen <= 0 {
		return errors.Errorf("gru spec needs positive sizes, got d=%d H=%d T=%d", d, h, s.SeqLen)
	}
	want := []struct {
		name string
		got  int
		n    int
	}{
		{"w_g", len(s.WGate), d * 2 * h},
		{"u_g", len(s.UGate), h * 2 * h},
		{"b_g", len(s.BGate), 2 * h},
		{"w_c", len(s.WCand), d * h},
		{"u_c", len(s.UCand), h * h},
		{"b_c", len(s.BCand), h},
	}
	for _, w := range want {
		if w.got != w.n {
			return errors.Errorf("gru spec %s has %d values, want %d", w.name, w.got, w.n)
		}
	}
	return nil
}

// GRULayer holds GPU resources for the GRU forward pass.
// The recurrence is sequential across time steps but parallel within each
// step, so every step is two dispatches: the gate kernel over 2H threads,
// then the candidate/state kernel over H threads.
type GRULayer struct {
	Spec GRUSpec

	workgroup    uint32
	gatePipeline *wgpu.ComputePipeline
	candPipeline *wgpu.ComputePipeline
	gateGroups   []*wgpu.BindGroup // one per step slot
	candGroups   []*wgpu.BindGroup

	InputBuffer  *wgpu.Buffer // [SeqLen * InputSize]
	OutputBuffer *wgpu.Buffer // [SeqLen * H] hidden states
	GateBuffer   *wgpu.Buffer // [SeqLen * 2H]
	CandBuffer   *wgpu.Buffer // [SeqLen * H]
	StepBuffers  []*wgpu.Buffer

	WGateBuffer, UGateBuffer, BGateBuffer *wgpu.Buffer
	WCandBuffer, UCandBuffer, BCandBuffer *wgpu.Buffer
}

var _ Layer = (*GRULayer)(nil)

// NewGRULayer allocates, compiles and binds a layer on the shared context.
func NewGRULayer(spec GRUSpec) (*GRULayer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	l := &GRULayer{Spec: spec}
	const label = "GRU"
	if err := l.AllocateBuffers(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.Compile(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.CreateBindGroup(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	return l, nil
}

func (l *GRULayer) GetInputBuffer() *wgpu.Buffer  { return l.InputBuffer }
func (l *GRULayer) GetOutputBuffer() *wgpu.Buffer { return l.OutputBuffer }

func (l *GRULayer) AllocateBuffers(ctx *Context, labelPrefix string) error {
	if err := l.Spec.Validate(); err != nil {
		return err
	}
	d, h, T := l.Spec.InputSize, l.Spec.HiddenSize, l.Spec.SeqLen
	var err error

	for _, b := range []struct {
		dst   **wgpu.Buffer
		label string
		n     int
	}{
		{&l.InputBuffer, "_In", T * d},
		{&l.OutputBuffer, "_Out", T * h},
		{&l.GateBuffer, "_Gate", T * 2 * h},
		{&l.CandBuffer, "_Cand", T * h},
	} {
		if *b.dst, err = newStorageBuffer(ctx, labelPrefix+b.label, b.n); err != nil {
			return err
		}
	}

	weights := []struct {
		dst  **wgpu.Buffer
		data []float32
	}{
		{&l.WGateBuffer, l.Spec.WGate}, {&l.UGateBuffer, l.Spec.UGate}, {&l.BGateBuffer, l.Spec.BGate},
		{&l.WCandBuffer, l.Spec.WCand}, {&l.UCandBuffer, l.Spec.UCand}, {&l.BCandBuffer, l.Spec.BCand},
	}
	for _, w := range weights {
		if *w.dst, err = NewFloatBuffer(w.data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
			return err
		}
	}

	// One uniform per step slot; contents are written per Forward since they
	// depend on the valid length.
	l.StepBuffers = make([]*wgpu.Buffer, T)
	for step := 0; step < T; step++ {
		l.StepBuffers[step], err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: fmt.Sprintf("%s_Step%d", labelPrefix, step),
			Size:  16, // {t, prev, first, pad} u32
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

const stepStruct = `
		struct Step {
			t: u32,
			prev: u32,
			first: u32,
			pad: u32,
		};`

// GenerateGateShader returns the WGSL of
// g[t] = sigmoid(x[t]·W_g + h[prev]·U_g + b_g).
func (l *GRULayer) GenerateGateShader() string {
	gateDecl, gateInit := l.biasBinding("b_g")
	return fmt.Sprintf(`%s
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> w_g : array<f32>;
		@group(0) @binding(2) var<storage, read> u_g : array<f32>;
		%s
		@group(0) @binding(4) var<storage, read> hidden : array<f32>;
		@group(0) @binding(5) var<storage, read_write> gate : array<f32>;
		@group(0) @binding(6) var<uniform> cur : Step;

		const INPUT_SIZE: u32 = %du;
		const HIDDEN_SIZE: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let j = gid.x;
			let width = 2u * HIDDEN_SIZE;
			if (j >= width) { return; }

			var sum: f32 = %s;
			let x_off = cur.t * INPUT_SIZE;
			for (var i: u32 = 0u; i < INPUT_SIZE; i++) {
				sum += input[x_off + i] * w_g[i * width + j];
			}
			if (cur.first == 0u) {
				let h_off = cur.prev * HIDDEN_SIZE;
				for (var k: u32 = 0u; k < HIDDEN_SIZE; k++) {
					sum += hidden[h_off + k] * u_g[k * width + j];
				}
			}
			gate[cur.t * width + j] = 1.0 / (1.0 + exp(-sum));
		}
	`, stepStruct, gateDecl, l.Spec.InputSize, l.Spec.HiddenSize, l.workgroup, gateInit)
}

// GenerateCandShader returns the WGSL of
// c[t] = tanh(x[t]·W_c + (r ⊙ h[prev])·U_c + b_c) and
// h[t] = z ⊙ h[prev] + (1 - z) ⊙ c[t].
func (l *GRULayer) GenerateCandShader() string {
	candDecl, candInit := l.biasBinding("b_c")
	return fmt.Sprintf(`%s
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> w_c : array<f32>;
		@group(0) @binding(2) var<storage, read> u_c : array<f32>;
		%s
		@group(0) @binding(4) var<storage, read_write> hidden : array<f32>;
		@group(0) @binding(5) var<storage, read> gate : array<f32>;
		@group(0) @binding(6) var<storage, read_write> cand : array<f32>;
		@group(0) @binding(7) var<uniform> cur : Step;

		const INPUT_SIZE: u32 = %du;
		const HIDDEN_SIZE: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let j = gid.x;
			if (j >= HIDDEN_SIZE) { return; }

			let g_off = cur.t * 2u * HIDDEN_SIZE;
			let h_off = cur.prev * HIDDEN_SIZE;

			var sum: f32 = %s;
			let x_off = cur.t * INPUT_SIZE;
			for (var i: u32 = 0u; i < INPUT_SIZE; i++) {
				sum += input[x_off + i] * w_c[i * HIDDEN_SIZE + j];
			}
			var h_prev: f32 = 0.0;
			if (cur.first == 0u) {
				for (var k: u32 = 0u; k < HIDDEN_SIZE; k++) {
					sum += gate[g_off + k] * hidden[h_off + k] * u_c[k * HIDDEN_SIZE + j];
				}
				h_prev = hidden[h_off + j];
			}
			let c = tanh(sum);
			cand[cur.t * HIDDEN_SIZE + j] = c;

			let z = gate[g_off + HIDDEN_SIZE + j];
			hidden[cur.t * HIDDEN_SIZE + j] = z * h_prev + (1.0 - z) * c;
		}
	`, stepStruct, candDecl, l.Spec.InputSize, l.Spec.HiddenSize, l.workgroup, candInit)
}

// biasBinding returns the declaration of the bias at binding 3 and the
// accumulator's initial value. Without bias the buffer is not bound at all.
func (l *GRULayer) biasBinding(name string) (decl, init string) {
	if !l.Spec.UseBias {
		return "", "0.0"
	}
	return fmt.Sprintf("@group(0) @binding(3) var<storage, read> %s : array<f32>;", name), name + "[j]"
}

// withBias inserts the bias entry when the shaders declare one.
func (l *GRULayer) withBias(entries []wgpu.BindGroupEntry, bias *wgpu.Buffer) []wgpu.BindGroupEntry {
	if !l.Spec.UseBias {
		return entries
	}
	return append(entries, entry(3, bias))
}

func (l *GRULayer) CreateBindGroup(ctx *Context, labelPrefix string) error {
	T := l.Spec.SeqLen
	l.gateGroups = make([]*wgpu.BindGroup, T)
	l.candGroups = make([]*wgpu.BindGroup, T)
	var err error
	for step := 0; step < T; step++ {
		l.gateGroups[step], err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  fmt.Sprintf("%s_GateBind%d", labelPrefix, step),
			Layout: l.gatePipeline.GetBindGroupLayout(0),
			Entries: l.withBias([]wgpu.BindGroupEntry{
				entry(0, l.InputBuffer),
				entry(1, l.WGateBuffer),
				entry(2, l.UGateBuffer),
				entry(4, l.OutputBuffer),
				entry(5, l.GateBuffer),
				{Binding: 6, Buffer: l.StepBuffers[step], Size: 16},
			}, l.BGateBuffer),
		})
		if err != nil {
			return err
		}
		l.candGroups[step], err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  fmt.Sprintf("%s_CandBind%d", labelPrefix, step),
			Layout: l.candPipeline.GetBindGroupLayout(0),
			Entries: l.withBias([]wgpu.BindGroupEntry{
				entry(0, l.InputBuffer),
				entry(1, l.WCandBuffer),
				entry(2, l.UCandBuffer),
				entry(4, l.OutputBuffer),
				entry(5, l.GateBuffer),
				entry(6, l.CandBuffer),
				{Binding: 7, Buffer: l.StepBuffers[step], Size: 16},
			}, l.BCandBuffer),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// stepOrder returns the time index and previous index of the i-th step of a
// timeline with the given valid length.
func (l *GRULayer) stepOrder(i, length int) (t, prev int) {
	if l.Spec.Reverse {
		t = length - 1 - i
		return t, t + 1
	}
	return i, i - 1
}

// writeSteps fills the step uniforms for a timeline of the given length.
func (l *GRULayer) writeSteps(ctx *Context, length int) {
	for i := 0; i < length; i++ {
		t, prev := l.stepOrder(i, length)
		first := uint32(0)
		if i == 0 {
			first, prev = 1, t
		}
		ctx.Queue.WriteBuffer(l.StepBuffers[i], 0, wgpu.ToBytes([]uint32{uint32(t), uint32(prev), first, 0}))
	}
}

// Dispatch records two passes per valid step. Step uniforms must already
// describe the same length.
func (l *GRULayer) Dispatch(enc *wgpu.CommandEncoder, length int) {
	wg := int(l.workgroup)
	h := l.Spec.HiddenSize
	pass := enc.BeginComputePass(nil)
	for step := 0; step < length; step++ {
		pass.SetPipeline(l.gatePipeline)
		pass.SetBindGroup(0, l.gateGroups[step], nil)
		pass.DispatchWorkgroups(uint32((2*h+wg-1)/wg), 1, 1)

		pass.SetPipeline(l.candPipeline)
		pass.SetBindGroup(0, l.candGroups[step], nil)
		pass.DispatchWorkgroups(uint32((h+wg-1)/wg), 1, 1)
	}
	pass.End()
}

func (l *GRULayer) UploadWeights(ctx *Context) {
	for _, w := range []struct {
		buf  *wgpu.Buffer
		data []float32
	}{
		{l.WGateBuffer, l.Spec.WGate}, {l.UGateBuffer, l.Spec.UGate}, {l.BGateBuffer, l.Spec.BGate},
		{l.WCandBuffer, l.Spec.WCand}, {l.UCandBuffer, l.Spec.UCand}, {l.BCandBuffer, l.Spec.BCand},
	} {
		if len(w.data) > 0 {
			ctx.Queue.WriteBuffer(w.buf, 0, wgpu.ToBytes(w.data))
		}
	}
}

// Forward runs one timeline. input is [SeqLen * InputSize]; only the first
// length steps are computed and the returned [SeqLen * H] hidden states are
// zero at and beyond length.
func (l *GRULayer) Forward(input []float32, length int) ([]float32, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	T, d, h := l.Spec.SeqLen, l.Spec.InputSize, l.Spec.HiddenSize
	if len(input) != T*d {
		return nil, errors.Errorf("gru input has %d values, want %d", len(input), T*d)
	}
	if length < 0 || length > T {
		return nil, errors.Errorf("gru length %d outside [0,%d]", length, T)
	}

	c.Queue.WriteBuffer(l.InputBuffer, 0, wgpu.ToBytes(input))
	c.Queue.WriteBuffer(l.OutputBuffer, 0, wgpu.ToBytes(make([]float32, T*h)))
	c.Queue.WriteBuffer(l.GateBuffer, 0, wgpu.ToBytes(make([]float32, T*2*h)))
	c.Queue.WriteBuffer(l.CandBuffer, 0, wgpu.ToBytes(make([]float32, T*h)))
	l.writeSteps(c, length)

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create command encoder")
	}
	l.Dispatch(enc, length)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, errors.Wrap(err, "finish command")
	}
	c.Queue.Submit(cmd)

	log.WithFields(logrus.Fields{"length": length, "hidden": h}).Debug("gru forward dispatched")
	return ReadBuffer(l.OutputBuffer, T*h)
}

// Gates reads back the gate activations of the last Forward.
func (l *GRULayer) Gates() ([]float32, error) {
	return ReadBuffer(l.GateBuffer, l.Spec.SeqLen*2*l.Spec.HiddenSize)
}

// Candidates reads back the candidates of the last Forward.
func (l *GRULayer) Candidates() ([]float32, error) {
	return ReadBuffer(l.CandBuffer, l.Spec.SeqLen*l.Spec.HiddenSize)
}

func (l *GRULayer) Cleanup() {
	bufs := []*wgpu.Buffer{
		l.InputBuffer, l.OutputBuffer, l.GateBuffer, l.CandBuffer,
		l.WGateBuffer, l.UGateBuffer, l.BGateBuffer,
		l.WCandBuffer, l.UCandBuffer, l.BCandBuffer,
	}
	bufs = append(bufs, l.StepBuffers...)
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
	for _, groups := range [][]*wgpu.BindGroup{l.gateGroups, l.candGroups} {
		for _, bg := range groups {
			if bg != nil {
				bg.Release()
			}
		}
	}
	for _, p := range []*wgpu.ComputePipeline{l.gatePipeline, l.candPipeline} {
		if p != nil {
			p.Release()
		}
	}
}
