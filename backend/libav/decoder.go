package libav

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

type decoder struct {
	codecContext *astiav.CodecContext
	timeBase     types.Rational
	closer       *astikit.Closer
}

func (*Backend) NewDecoder(
	ctx context.Context,
	stream backend.StreamInfo,
) (_ backend.DecoderSession, _err error) {
	logger.Tracef(ctx, "NewDecoder(#%d)", stream.Index)
	defer func() { logger.Tracef(ctx, "/NewDecoder(#%d): %v", stream.Index, _err) }()

	s, ok := stream.Native.(*astiav.Stream)
	if !ok || s == nil {
		return nil, fmt.Errorf("the stream was not opened by libav (%T)", stream.Native)
	}

	d := &decoder{
		timeBase: stream.TimeBase,
		closer:   astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			d.closer.Close()
		}
	}()

	codec := astiav.FindDecoder(s.CodecParameters().CodecID())
	if codec == nil {
		return nil, fmt.Errorf("unable to find a decoder for '%s'", stream.CodecName)
	}
	if d.codecContext = astiav.AllocCodecContext(codec); d.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	d.closer.Add(d.codecContext.Free)

	if err := s.CodecParameters().ToCodecContext(d.codecContext); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	if !stream.FrameRate.IsZero() {
		d.codecContext.SetFramerate(rationalToAstiav(stream.FrameRate))
	}
	d.codecContext.SetTimeBase(rationalToAstiav(stream.TimeBase))
	if err := d.codecContext.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("unable to open the decoder: %w", err)
	}
	return d, nil
}

func (d *decoder) TimeBase() types.Rational {
	return d.timeBase
}

func (d *decoder) SendPacket(ctx context.Context, pkt *packet.Packet) error {
	var native *astiav.Packet
	if pkt != nil {
		var err error
		if native, err = nativePacket(pkt); err != nil {
			return err
		}
	}
	err := d.codecContext.SendPacket(native)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return backend.ErrAgain
	}
	return err
}

func (d *decoder) ReceiveFrame(ctx context.Context) (*frame.Frame, error) {
	native := framePool.Get()
	err := d.codecContext.ReceiveFrame(native)
	switch {
	case err == nil:
		return wrapFrame(native, d.timeBase), nil
	case errors.Is(err, astiav.ErrEagain):
		framePool.Put(native)
		return nil, backend.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		framePool.Put(native)
		return nil, io.EOF
	}
	framePool.Put(native)
	return nil, err
}

func (d *decoder) Close() error {
	return d.closer.Close()
}
