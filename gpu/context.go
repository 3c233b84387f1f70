package gpu

import (
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoDevice is returned when no WebGPU adapter or device can be opened.
var ErrNoDevice = errors.New("gpu: no WebGPU device")

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	// Workgroup is the 1-D workgroup size the kernels are compiled with,
	// chosen from the adapter limits.
	Workgroup uint32

	once sync.Once
	err  error
}

var (
	ctx Context
	log = logrus.WithField("component", "gpu")
)

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	log = entry.WithField("component", "gpu")
}

// GetContext returns the singleton GPU context, initializing it if necessary
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, errors.Wrap(ErrNoDevice, "device or queue not initialized")
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return errors.Wrap(ErrNoDevice, "failed to create WebGPU instance")
	}

	// Prefer a discrete NVIDIA adapter when one is enumerated.
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		log.WithFields(logrus.Fields{
			"name":   info.Name,
			"vendor": info.VendorName,
			"type":   info.AdapterType,
		}).Debug("found adapter")
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		if err != nil {
			log.WithError(err).Debug("adapter request failed, falling back")
		}
	}
	if c.Adapter == nil {
		return errors.Wrapf(ErrNoDevice, "all adapter attempts failed: %v", err)
	}

	info := c.Adapter.GetInfo()
	c.Workgroup = chooseWorkgroup(c.Adapter.GetLimits())
	log.WithFields(logrus.Fields{
		"name":      info.Name,
		"vendor":    info.VendorName,
		"workgroup": c.Workgroup,
	}).Info("using GPU adapter")

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return errors.Wrap(err, "request device")
	}
	c.Queue = c.Device.GetQueue()
	return nil
}

// chooseWorkgroup picks the largest power-of-two 1-D workgroup the adapter allows.
func chooseWorkgroup(l wgpu.SupportedLimits) uint32 {
	return pickWorkgroup(l.Limits.MaxComputeWorkgroupSizeX, l.Limits.MaxComputeInvocationsPerWorkgroup)
}

func pickWorkgroup(maxX, maxTot uint32) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= maxX && c <= maxTot {
			return c
		}
	}
	return 1
}
