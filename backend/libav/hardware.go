package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
)

type hardwareDevice struct {
	deviceType types.HardwareDeviceType
	context    *astiav.HardwareDeviceContext
}

func (*Backend) OpenHardwareDevice(
	ctx context.Context,
	deviceType types.HardwareDeviceType,
	deviceName types.HardwareDeviceName,
) (_ backend.HardwareDevice, _err error) {
	logger.Tracef(ctx, "OpenHardwareDevice(%s, '%s')", deviceType, deviceName)
	defer func() { logger.Tracef(ctx, "/OpenHardwareDevice(%s, '%s'): %v", deviceType, deviceName, _err) }()

	hwCtx, err := astiav.CreateHardwareDeviceContext(
		astiav.HardwareDeviceType(deviceType),
		string(deviceName),
		nil,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create hardware (%s:%s) device context: %w", deviceType, deviceName, err)
	}
	logger.Tracef(ctx, "HardwareDeviceContext: %p", hwCtx)
	return &hardwareDevice{
		deviceType: deviceType,
		context:    hwCtx,
	}, nil
}

func (d *hardwareDevice) Type() types.HardwareDeviceType {
	return d.deviceType
}

func (d *hardwareDevice) NewFrames(
	ctx context.Context,
	params backend.HardwareFramesParams,
) (backend.HardwareFrames, error) {
	hwPixFmt, err := pixelFormatToAstiav(params.HardwarePixelFormat)
	if err != nil {
		return nil, err
	}
	swPixFmt, err := pixelFormatToAstiav(params.SoftwarePixelFormat)
	if err != nil {
		return nil, err
	}

	hwFrames := astiav.AllocHardwareFramesContext(d.context)
	if hwFrames == nil {
		return nil, fmt.Errorf("unable to allocate a hardware frames context")
	}
	hwFrames.SetHardwarePixelFormat(hwPixFmt)
	hwFrames.SetSoftwarePixelFormat(swPixFmt)
	hwFrames.SetWidth(int(params.Width))
	hwFrames.SetHeight(int(params.Height))
	hwFrames.SetInitialPoolSize(int(params.PoolSize))
	if err := hwFrames.Initialize(); err != nil {
		hwFrames.Free()
		return nil, fmt.Errorf("unable to initialize the hardware frames context (%s/%s %dx%d): %w",
			params.HardwarePixelFormat, params.SoftwarePixelFormat, params.Width, params.Height, err)
	}
	return &hardwareFrames{
		context: hwFrames,
		params:  params,
	}, nil
}

func (d *hardwareDevice) Close() error {
	d.context.Free()
	return nil
}

type hardwareFrames struct {
	context *astiav.HardwareFramesContext
	params  backend.HardwareFramesParams
}

func (h *hardwareFrames) Upload(ctx context.Context, src *frame.Frame) (*frame.Frame, error) {
	srcNative, err := nativeFrame(src)
	if err != nil {
		return nil, err
	}
	dst := framePool.Get()
	if err := dst.AllocHardwareBuffer(h.context); err != nil {
		framePool.Put(dst)
		return nil, fmt.Errorf("unable to allocate a hardware surface: %w", err)
	}
	if err := srcNative.TransferHardwareData(dst); err != nil {
		framePool.Put(dst)
		return nil, fmt.Errorf("unable to transfer the frame into the hardware surface: %w", err)
	}
	dst.SetPts(src.PTS)
	dst.SetDuration(src.Duration)
	return wrapFrame(dst, src.TimeBase), nil
}

func (h *hardwareFrames) Close() error {
	h.context.Free()
	return nil
}
