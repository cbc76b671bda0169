// Package hardware owns accelerator device contexts and the frame pools
// bound to them.
package hardware

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
	"github.com/xaionaro-go/xsync"
)

const canonicalHolder = "manager"

type Manager struct {
	opener backend.HardwareDeviceOpener

	locker     xsync.Mutex
	lastID     uint64
	canonical  []*DeviceRef
	framePools []*FramePool
	closed     bool
}

func NewManager(opener backend.HardwareDeviceOpener) *Manager {
	return &Manager{
		opener: opener,
	}
}

// CreateDeviceContext opens a device; the manager keeps the canonical reference until Close.
func (m *Manager) CreateDeviceContext(
	ctx context.Context,
	deviceType types.HardwareDeviceType,
	path types.HardwareDeviceName,
) (_ret *DeviceContext, _err error) {
	logger.Tracef(ctx, "CreateDeviceContext(%s, '%s')", deviceType, path)
	defer func() { logger.Tracef(ctx, "/CreateDeviceContext(%s, '%s'): %v", deviceType, path, _err) }()
	return xsync.DoA3R2(ctx, &m.locker, m.createDeviceContextLocked, ctx, deviceType, path)
}

func (m *Manager) createDeviceContextLocked(
	ctx context.Context,
	deviceType types.HardwareDeviceType,
	path types.HardwareDeviceName,
) (*DeviceContext, error) {
	if m.closed {
		return nil, types.ErrDeviceContext{
			DeviceType: deviceType,
			DevicePath: path,
			Err:        errors.New("the hardware manager is closed"),
		}
	}
	if deviceType == types.HardwareDeviceTypeNone {
		return nil, types.ErrDeviceContext{
			DeviceType: deviceType,
			DevicePath: path,
			Err:        errors.New("the device type is not set"),
		}
	}
	device, err := m.opener.OpenHardwareDevice(ctx, deviceType, path)
	if err != nil {
		return nil, types.ErrDeviceContext{
			DeviceType: deviceType,
			DevicePath: path,
			Err:        err,
		}
	}
	m.lastID++
	dc := newDeviceContext(m.lastID, deviceType, path, device)
	ref, err := dc.Acquire(ctx, canonicalHolder)
	if err != nil {
		return nil, types.ErrDeviceContext{DeviceType: deviceType, DevicePath: path, Err: err}
	}
	m.canonical = append(m.canonical, ref)
	logger.Debugf(ctx, "created the hardware device context %s", dc)
	return dc, nil
}

// AllocFramePool binds a new pool to the device; the pool holds its own reference.
func (m *Manager) AllocFramePool(
	ctx context.Context,
	dc *DeviceContext,
	params FramePoolParams,
) (_ret *FramePool, _err error) {
	logger.Tracef(ctx, "AllocFramePool(%s)", dc)
	defer func() { logger.Tracef(ctx, "/AllocFramePool(%s): %v", dc, _err) }()
	return xsync.DoA3R2(ctx, &m.locker, m.allocFramePoolLocked, ctx, dc, params)
}

func (m *Manager) allocFramePoolLocked(
	ctx context.Context,
	dc *DeviceContext,
	params FramePoolParams,
) (*FramePool, error) {
	if m.closed {
		return nil, fmt.Errorf("the hardware manager is closed: %w", types.ErrDeviceContextReleased)
	}
	if params.Capacity == 0 {
		params.Capacity = DefaultPoolCapacity
	}
	if params.HardwarePixelFormat == types.PixelFormatNone {
		params.HardwarePixelFormat = dc.Type().HardwarePixelFormat()
	}
	if params.SoftwarePixelFormat == types.PixelFormatNone {
		return nil, fmt.Errorf("the software pixel format of the pool is not set")
	}
	if params.Width == 0 || params.Height == 0 {
		return nil, fmt.Errorf("the pool resolution %dx%d is invalid", params.Width, params.Height)
	}

	ref, err := dc.Acquire(ctx, fmt.Sprintf("frame-pool-%d", len(m.framePools)))
	if err != nil {
		return nil, err
	}
	device, err := ref.Device()
	if err != nil {
		return nil, err
	}
	frames, err := device.NewFrames(ctx, backend.HardwareFramesParams{
		HardwarePixelFormat: params.HardwarePixelFormat,
		SoftwarePixelFormat: params.SoftwarePixelFormat,
		Width:               params.Width,
		Height:              params.Height,
		PoolSize:            params.Capacity,
	})
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("unable to allocate the hardware frames on %s: %w", dc, err),
			ref.Release(ctx),
		)
	}
	pool := &FramePool{
		params: params,
		ref:    ref,
		frames: frames,
	}
	m.framePools = append(m.framePools, pool)
	return pool, nil
}

// Close closes the pools and drops the canonical references. Devices still
// referenced elsewhere stay open until their last holder releases them.
func (m *Manager) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoA1R1(ctx, &m.locker, m.closeLocked, ctx)
}

func (m *Manager) closeLocked(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for idx := len(m.framePools) - 1; idx >= 0; idx-- {
		if err := m.framePools[idx].close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for idx := len(m.canonical) - 1; idx >= 0; idx-- {
		if err := m.canonical[idx].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.framePools = nil
	m.canonical = nil
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
