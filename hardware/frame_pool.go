package hardware

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
	"github.com/xaionaro-go/xsync"
)

const DefaultPoolCapacity = 20

type FramePoolParams struct {
	// HardwarePixelFormat is the storage format; defaults to the device's native one.
	HardwarePixelFormat types.PixelFormat
	// SoftwarePixelFormat is the layout of the surfaces' contents (e.g. nv12).
	SoftwarePixelFormat types.PixelFormat
	Width               uint32
	Height              uint32
	Capacity            uint
}

// FramePool is a fixed-capacity set of hardware surfaces bound to one device.
type FramePool struct {
	params FramePoolParams
	ref    *DeviceRef
	frames backend.HardwareFrames

	locker xsync.Mutex
	inUse  uint
	peak   uint
	closed bool
}

func (p *FramePool) Params() FramePoolParams {
	return p.params
}

func (p *FramePool) DeviceContext() *DeviceContext {
	return p.ref.Context()
}

// Frames is the backend allocator, for binding an encoder to the pool.
func (p *FramePool) Frames() backend.HardwareFrames {
	return p.frames
}

func (p *FramePool) Capacity() uint {
	return p.params.Capacity
}

func (p *FramePool) InUse() uint {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &p.locker, func() uint {
		return p.inUse
	})
}

// Peak is the highest number of simultaneously leased surfaces.
func (p *FramePool) Peak() uint {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &p.locker, func() uint {
		return p.peak
	})
}

func (p *FramePool) lease(ctx context.Context) (*lease, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &p.locker, func() (*lease, error) {
		if p.closed {
			return nil, fmt.Errorf("the frame pool is closed: %w", types.ErrDeviceContextReleased)
		}
		if p.inUse >= p.params.Capacity {
			return nil, fmt.Errorf("all %d surfaces are in use: %w", p.params.Capacity, types.ErrFramePoolExhausted)
		}
		p.inUse++
		if p.inUse > p.peak {
			p.peak = p.inUse
		}
		return &lease{pool: p}, nil
	})
}

func (p *FramePool) returnLease() {
	p.locker.Do(xsync.WithNoLogging(context.TODO(), true), func() {
		p.inUse--
	})
}

// Upload copies a host frame into a leased surface. src is not released.
func (p *FramePool) Upload(
	ctx context.Context,
	src *frame.Frame,
) (_ *frame.Frame, _err error) {
	logger.Tracef(ctx, "Upload")
	defer func() { logger.Tracef(ctx, "/Upload: %v", _err) }()

	if src.Residency != frame.ResidencyHost {
		return nil, fmt.Errorf("only host-resident frames can be uploaded, received %s", src.Residency)
	}
	if src.PixelFormat != p.params.SoftwarePixelFormat {
		return nil, fmt.Errorf("the pool stores %s surfaces, received a %s frame", p.params.SoftwarePixelFormat, src.PixelFormat)
	}
	if _, err := p.ref.Device(); err != nil {
		return nil, err
	}

	l, err := p.lease(ctx)
	if err != nil {
		return nil, err
	}
	dst, err := p.frames.Upload(ctx, src)
	if err != nil {
		l.Return()
		return nil, fmt.Errorf("unable to upload the frame: %w", err)
	}
	dst.PTS = src.PTS
	dst.TimeBase = src.TimeBase
	dst.Duration = src.Duration
	dst.Width = src.Width
	dst.Height = src.Height
	dst.PixelFormat = p.params.HardwarePixelFormat
	dst.Residency = frame.ResidencyHardware
	dst.Hardware = &frame.HardwareBinding{
		DeviceID:            p.ref.Context().ID(),
		DeviceType:          p.ref.Context().Type(),
		SoftwarePixelFormat: p.params.SoftwarePixelFormat,
		Lease:               l,
	}
	return dst, nil
}

func (p *FramePool) close(ctx context.Context) error {
	alreadyClosed := xsync.DoR1(ctx, &p.locker, func() bool {
		if p.closed {
			return true
		}
		p.closed = true
		return false
	})
	if alreadyClosed {
		return nil
	}
	var errs []error
	if err := p.frames.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unable to close the hardware frames: %w", err))
	}
	if err := p.ref.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	return joinErrors(errs)
}

type lease struct {
	pool     *FramePool
	returned bool
}

var _ frame.Lease = (*lease)(nil)

func (l *lease) Return() {
	if l.returned {
		return
	}
	l.returned = true
	l.pool.returnLease()
}
