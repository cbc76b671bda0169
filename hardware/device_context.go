package hardware

import (
	"context"
	"fmt"
	"sort"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// DeviceContext is a reference-counted hardware device shared by the stages.
//
// Every holder owns its own DeviceRef; the device is closed when the last
// ref is released. A DeviceContext must not be copied.
type DeviceContext struct {
	noCopy noCopy

	id         uint64
	deviceType types.HardwareDeviceType
	path       types.HardwareDeviceName

	locker  xsync.Mutex
	device  backend.HardwareDevice
	holders map[*DeviceRef]struct{}
	freed   bool
}

func newDeviceContext(
	id uint64,
	deviceType types.HardwareDeviceType,
	path types.HardwareDeviceName,
	device backend.HardwareDevice,
) *DeviceContext {
	return &DeviceContext{
		id:         id,
		deviceType: deviceType,
		path:       path,
		device:     device,
		holders:    map[*DeviceRef]struct{}{},
	}
}

func (dc *DeviceContext) ID() uint64 {
	return dc.id
}

func (dc *DeviceContext) Type() types.HardwareDeviceType {
	return dc.deviceType
}

func (dc *DeviceContext) Path() types.HardwareDeviceName {
	return dc.path
}

func (dc *DeviceContext) String() string {
	return fmt.Sprintf("%s:%s#%d", dc.deviceType, dc.path, dc.id)
}

// Acquire returns a new reference owned by holder.
func (dc *DeviceContext) Acquire(
	ctx context.Context,
	holder string,
) (*DeviceRef, error) {
	return xsync.DoA2R2(ctx, &dc.locker, dc.acquireLocked, ctx, holder)
}

func (dc *DeviceContext) acquireLocked(
	ctx context.Context,
	holder string,
) (*DeviceRef, error) {
	if dc.freed {
		return nil, fmt.Errorf("unable to acquire %s for '%s': %w", dc, holder, types.ErrDeviceContextReleased)
	}
	ref := &DeviceRef{
		deviceContext: dc,
		holder:        holder,
	}
	dc.holders[ref] = struct{}{}
	logger.Debugf(ctx, "acquired %s for '%s' (refs: %d)", dc, holder, len(dc.holders))
	return ref, nil
}

func (dc *DeviceContext) release(
	ctx context.Context,
	ref *DeviceRef,
) error {
	return xsync.DoA2R1(ctx, &dc.locker, dc.releaseLocked, ctx, ref)
}

func (dc *DeviceContext) releaseLocked(
	ctx context.Context,
	ref *DeviceRef,
) error {
	delete(dc.holders, ref)
	logger.Debugf(ctx, "released %s from '%s' (refs: %d)", dc, ref.holder, len(dc.holders))
	if len(dc.holders) > 0 {
		return nil
	}
	dc.freed = true
	logger.Debugf(ctx, "closing the hardware device %s", dc)
	if err := dc.device.Close(); err != nil {
		return fmt.Errorf("unable to close the hardware device %s: %w", dc, err)
	}
	return nil
}

func (dc *DeviceContext) RefCount() int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &dc.locker, func() int {
		return len(dc.holders)
	})
}

// IsFreed reports whether the last reference is gone and the device is closed.
func (dc *DeviceContext) IsFreed() bool {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &dc.locker, func() bool {
		return dc.freed
	})
}

func (dc *DeviceContext) Holders() []string {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &dc.locker, func() []string {
		result := make([]string, 0, len(dc.holders))
		for ref := range dc.holders {
			result = append(result, ref.holder)
		}
		sort.Strings(result)
		return result
	})
}

// DeviceRef is one holder's reference to a DeviceContext.
type DeviceRef struct {
	deviceContext *DeviceContext
	holder        string
	released      atomic.Bool
}

func (r *DeviceRef) Context() *DeviceContext {
	return r.deviceContext
}

func (r *DeviceRef) Holder() string {
	return r.holder
}

// Device returns the backend device; it fails after Release.
func (r *DeviceRef) Device() (backend.HardwareDevice, error) {
	if r.released.Load() {
		return nil, fmt.Errorf("'%s' used %s after releasing it: %w", r.holder, r.deviceContext, types.ErrDeviceContextReleased)
	}
	return r.deviceContext.device, nil
}

func (r *DeviceRef) IsReleased() bool {
	return r.released.Load()
}

// Release drops the reference. Calling it again has no effect and returns ErrAlreadyReleased.
func (r *DeviceRef) Release(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Release[%s]", r.holder)
	defer func() { logger.Tracef(ctx, "/Release[%s]: %v", r.holder, _err) }()
	if !r.released.CompareAndSwap(false, true) {
		return fmt.Errorf("'%s' released %s twice: %w", r.holder, r.deviceContext, types.ErrAlreadyReleased)
	}
	return r.deviceContext.release(ctx, r)
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
