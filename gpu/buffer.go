package gpu

import (
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// readTimeout bounds how long ReadBuffer polls for a mapped staging buffer.
const readTimeout = 2 * time.Second

// EnsureGPU ensures the GPU context is initialized
func EnsureGPU() error {
	_, err := GetContext()
	return err
}

// NewFloatBuffer creates a buffer with the given float32 data
func NewFloatBuffer(data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create buffer")
	}
	return buf, nil
}

// newStorageBuffer creates a zeroed storage buffer of n float32s. Zero
// sized buffers are rounded up to one element.
func newStorageBuffer(c *Context, label string, n int) (*wgpu.Buffer, error) {
	if n < 1 {
		n = 1
	}
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create buffer %s", label)
	}
	return buf, nil
}

// ReadBuffer safely reads the first size float32s of a buffer
func ReadBuffer(buffer *wgpu.Buffer, size int) ([]float32, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []float32{}, nil
	}

	sizeBytes := uint64(size * 4)
	stagingBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging buffer")
	}
	defer stagingBuf.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create command encoder")
	}
	encoder.CopyBufferToBuffer(buffer, 0, stagingBuf, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to finish command")
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = stagingBuf.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = errors.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, errors.Wrap(err, "MapAsync failed")
	}

	// Poll(false) does not block, so the timeout stays reachable.
	timeout := time.After(readTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, errors.Errorf("ReadBuffer timed out after %v", readTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := stagingBuf.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, errors.New("failed to get mapped range")
	}
	result := make([]float32, size)
	copy(result, wgpu.FromBytes[float32](data))
	stagingBuf.Unmap()

	return result, nil
}
