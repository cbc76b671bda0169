package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/internal"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

func rationalFromAstiav(r astiav.Rational) types.Rational {
	return types.NewRational(r.Num(), r.Den())
}

func rationalToAstiav(r types.Rational) astiav.Rational {
	return astiav.NewRational(r.Num, r.Den)
}

func pixelFormatFromAstiav(p astiav.PixelFormat) types.PixelFormat {
	if p == astiav.PixelFormatNone {
		return types.PixelFormatNone
	}
	return types.PixelFormat(p.String())
}

func pixelFormatToAstiav(p types.PixelFormat) (astiav.PixelFormat, error) {
	if p == types.PixelFormatNone {
		return astiav.PixelFormatNone, nil
	}
	r := astiav.FindPixelFormatByName(string(p))
	if r == astiav.PixelFormatNone {
		return astiav.PixelFormatNone, fmt.Errorf("unknown pixel format '%s'", p)
	}
	return r, nil
}

func mediaTypeFromAstiav(t astiav.MediaType) backend.MediaType {
	switch t {
	case astiav.MediaTypeVideo:
		return backend.MediaTypeVideo
	case astiav.MediaTypeAudio:
		return backend.MediaTypeAudio
	case astiav.MediaTypeData:
		return backend.MediaTypeData
	}
	return backend.MediaTypeUnknown
}

// newDictionary returns nil for empty options, which libav treats as "no options".
func newDictionary(ctx context.Context, items types.DictionaryItems) *astiav.Dictionary {
	items = items.Deduplicate()
	if len(items) == 0 {
		return nil
	}
	dict := astiav.NewDictionary()
	internal.SetFinalizerFree(ctx, dict)
	for _, item := range items {
		dict.Set(item.Key, item.Value, 0)
	}
	return dict
}

// wrapFrame hands a native frame over to a frame.Frame; releasing it returns the native frame to the pool.
func wrapFrame(
	native *astiav.Frame,
	timeBase types.Rational,
) *frame.Frame {
	f := frame.New(
		uint32(native.Width()),
		uint32(native.Height()),
		pixelFormatFromAstiav(native.PixelFormat()),
		native.Pts(),
		timeBase,
	)
	f.Duration = native.Duration()
	if f.PixelFormat.IsHardware() {
		f.Residency = frame.ResidencyHardware
	}
	f.Native = native
	f.OnRelease(func() { framePool.Put(native) })
	return f
}

func nativeFrame(f *frame.Frame) (*astiav.Frame, error) {
	native, ok := f.Native.(*astiav.Frame)
	if !ok || native == nil {
		return nil, fmt.Errorf("the frame has no libav payload (%T)", f.Native)
	}
	native.SetPts(f.PTS)
	native.SetDuration(f.Duration)
	return native, nil
}

func wrapPacket(
	native *astiav.Packet,
	timeBase types.Rational,
) *packet.Packet {
	pkt := packet.New(native.StreamIndex(), timeBase, native.Data())
	pkt.PTS = native.Pts()
	pkt.DTS = native.Dts()
	pkt.Duration = native.Duration()
	pkt.Keyframe = native.Flags().Has(astiav.PacketFlagKey)
	pkt.Native = native
	pkt.OnRelease(func() { packetPool.Put(native) })
	return pkt
}

// nativePacket syncs the timestamps, which the stages may have rescaled, back into the native packet.
func nativePacket(pkt *packet.Packet) (*astiav.Packet, error) {
	native, ok := pkt.Native.(*astiav.Packet)
	if !ok || native == nil {
		return nil, fmt.Errorf("the packet has no libav payload (%T)", pkt.Native)
	}
	native.SetStreamIndex(pkt.StreamIndex)
	native.SetPts(pkt.PTS)
	native.SetDts(pkt.DTS)
	native.SetDuration(pkt.Duration)
	return native, nil
}
