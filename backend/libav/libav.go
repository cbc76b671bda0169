// Package libav is the FFmpeg backend, built on go-astiav.
package libav

import (
	"context"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/pool"
)

var registerDevicesOnce sync.Once

var (
	framePool = pool.NewPool(
		astiav.AllocFrame,
		func(f *astiav.Frame) { f.Unref() },
		func(f *astiav.Frame) { f.Free() },
	)
	packetPool = pool.NewPool(
		astiav.AllocPacket,
		func(p *astiav.Packet) { p.Unref() },
		func(p *astiav.Packet) { p.Free() },
	)
)

type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

func New(ctx context.Context) *Backend {
	registerDevicesOnce.Do(func() {
		logger.Debugf(ctx, "registering libavdevice input devices")
		astiav.RegisterAllDevices()
	})
	return &Backend{}
}

func (*Backend) Name() string {
	return "libav"
}

// OutstandingNativeFrames is the number of libav frames not returned to the pool.
func OutstandingNativeFrames() int64 {
	return framePool.Outstanding()
}
