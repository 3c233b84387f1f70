package gpu

import "github.com/openfluke/webgpu/wgpu"

// Layer is the lifecycle of a GPU-resident recurrent layer: allocate,
// compile, bind, then dispatch any number of times, then clean up.
type Layer interface {
	AllocateBuffers(ctx *Context, labelPrefix string) error
	Compile(ctx *Context, labelPrefix string) error
	CreateBindGroup(ctx *Context, labelPrefix string) error

	// Dispatch records the passes for the first length steps.
	Dispatch(enc *wgpu.CommandEncoder, length int)

	UploadWeights(ctx *Context)

	GetInputBuffer() *wgpu.Buffer
	GetOutputBuffer() *wgpu.Buffer

	Cleanup()
}
