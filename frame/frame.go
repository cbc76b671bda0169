// Package frame defines the raw video frame passed between the decoder, the
// filter graph and the encoder.
package frame

import (
	"fmt"
	"image"

	"github.com/xaionaro-go/avscreencast/types"
	"go.uber.org/atomic"
)

type Residency int

const (
	ResidencyUndefined = Residency(iota)
	ResidencyHost
	ResidencyHardware
)

func (r Residency) String() string {
	switch r {
	case ResidencyUndefined:
		return "undefined"
	case ResidencyHost:
		return "host"
	case ResidencyHardware:
		return "hardware"
	}
	return fmt.Sprintf("Residency(%d)", int(r))
}

// Lease is the pool slot backing a hardware-resident frame.
type Lease interface {
	Return()
}

type HardwareBinding struct {
	DeviceID            uint64
	DeviceType          types.HardwareDeviceType
	SoftwarePixelFormat types.PixelFormat
	Lease               Lease
}

type Frame struct {
	Width       uint32
	Height      uint32
	PixelFormat types.PixelFormat
	PTS         int64
	TimeBase    types.Rational
	Duration    int64
	Residency   Residency
	Hardware    *HardwareBinding

	// Image holds the host planes when the backend keeps pixels in Go memory.
	Image *image.RGBA

	// Native is the backend-owned handle (e.g. *astiav.Frame).
	Native any

	onRelease []func()
	released  atomic.Bool
}

func New(
	width, height uint32,
	pixFmt types.PixelFormat,
	pts int64,
	timeBase types.Rational,
) *Frame {
	return &Frame{
		Width:       width,
		Height:      height,
		PixelFormat: pixFmt,
		PTS:         pts,
		TimeBase:    timeBase,
		Residency:   ResidencyHost,
	}
}

func (f *Frame) Resolution() types.Resolution {
	return types.Resolution{Width: f.Width, Height: f.Height}
}

// OnRelease registers fn to be called once by Release, in reverse order.
func (f *Frame) OnRelease(fn func()) {
	f.onRelease = append(f.onRelease, fn)
}

// Release returns the pool lease and frees the native memory. Only the first call has an effect.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	for idx := len(f.onRelease) - 1; idx >= 0; idx-- {
		f.onRelease[idx]()
	}
	f.onRelease = nil
	if f.Hardware != nil && f.Hardware.Lease != nil {
		f.Hardware.Lease.Return()
	}
	f.Image = nil
	f.Native = nil
}

func (f *Frame) IsReleased() bool {
	return f.released.Load()
}

// CopyMeta returns a new frame with the same description and no payload.
func (f *Frame) CopyMeta() *Frame {
	return &Frame{
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: f.PixelFormat,
		PTS:         f.PTS,
		TimeBase:    f.TimeBase,
		Duration:    f.Duration,
		Residency:   f.Residency,
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf(
		"frame{%dx%d %s %s pts:%d tb:%s dur:%d}",
		f.Width, f.Height, f.PixelFormat, f.Residency, f.PTS, f.TimeBase, f.Duration,
	)
}
