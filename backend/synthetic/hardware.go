package synthetic

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/types"
	"go.uber.org/atomic"
)

type hardwareDevice struct {
	backend    *Backend
	deviceType types.HardwareDeviceType
	closed     atomic.Bool
}

func (b *Backend) OpenHardwareDevice(
	ctx context.Context,
	deviceType types.HardwareDeviceType,
	deviceName types.HardwareDeviceName,
) (backend.HardwareDevice, error) {
	if err := b.Config.Faults.OpenHardwareDevice; err != nil {
		return nil, err
	}
	if deviceType.HardwarePixelFormat() == types.PixelFormatNone {
		return nil, fmt.Errorf("the device type %s is not supported", deviceType)
	}
	b.devicesOpen.Inc()
	return &hardwareDevice{
		backend:    b,
		deviceType: deviceType,
	}, nil
}

func (d *hardwareDevice) Type() types.HardwareDeviceType {
	return d.deviceType
}

func (d *hardwareDevice) NewFrames(
	ctx context.Context,
	params backend.HardwareFramesParams,
) (backend.HardwareFrames, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("the device is closed")
	}
	if params.HardwarePixelFormat != d.deviceType.HardwarePixelFormat() {
		return nil, fmt.Errorf("a %s device cannot store %s surfaces", d.deviceType, params.HardwarePixelFormat)
	}
	return &hardwareFrames{
		device: d,
		params: params,
	}, nil
}

func (d *hardwareDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("the device is already closed")
	}
	d.backend.devicesOpen.Dec()
	return nil
}

type hardwareFrames struct {
	device *hardwareDevice
	params backend.HardwareFramesParams
	closed atomic.Bool
}

// Upload copies the pixels as a hardware upload would.
func (h *hardwareFrames) Upload(ctx context.Context, src *frame.Frame) (*frame.Frame, error) {
	if h.closed.Load() || h.device.closed.Load() {
		return nil, fmt.Errorf("the hardware frames context is closed")
	}
	if src.Width != h.params.Width || src.Height != h.params.Height {
		return nil, fmt.Errorf("the surfaces are %dx%d, received a %dx%d frame", h.params.Width, h.params.Height, src.Width, src.Height)
	}
	dst := src.CopyMeta()
	if src.Image != nil {
		img := *src.Image
		img.Pix = append([]byte(nil), src.Image.Pix...)
		dst.Image = &img
	}
	surfaces := &h.device.backend.surfacesLive
	surfaces.Inc()
	dst.OnRelease(func() { surfaces.Dec() })
	return dst, nil
}

func (h *hardwareFrames) Close() error {
	h.closed.Store(true)
	return nil
}
