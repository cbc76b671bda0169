package libav

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

type encoder struct {
	codecContext    *astiav.CodecContext
	codecParameters *astiav.CodecParameters
	params          backend.EncoderParams
	timeBase        types.Rational
	closer          *astikit.Closer
}

func (*Backend) NewEncoder(
	ctx context.Context,
	params backend.EncoderParams,
) (_ backend.EncoderSession, _err error) {
	logger.Tracef(ctx, "NewEncoder(%s)", params.CodecName)
	defer func() { logger.Tracef(ctx, "/NewEncoder(%s): %v", params.CodecName, _err) }()

	e := &encoder{
		params: params,
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			e.closer.Close()
		}
	}()

	codec := astiav.FindEncoderByName(params.CodecName)
	if codec == nil {
		return nil, fmt.Errorf("unable to find encoder '%s'", params.CodecName)
	}
	if e.codecContext = astiav.AllocCodecContext(codec); e.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	e.closer.Add(e.codecContext.Free)

	pixFmt, err := pixelFormatToAstiav(params.PixelFormat)
	if err != nil {
		return nil, err
	}
	timeBase := params.TimeBase
	if timeBase.IsZero() {
		timeBase = params.FrameRate.Reverse()
	}
	if err := timeBase.Validate(); err != nil {
		return nil, fmt.Errorf("invalid encoder time base: %w", err)
	}

	e.codecContext.SetWidth(int(params.Width))
	e.codecContext.SetHeight(int(params.Height))
	e.codecContext.SetPixelFormat(pixFmt)
	e.codecContext.SetTimeBase(rationalToAstiav(timeBase))
	e.codecContext.SetSampleAspectRatio(astiav.NewRational(1, 1))
	if !params.FrameRate.IsZero() {
		e.codecContext.SetFramerate(rationalToAstiav(params.FrameRate))
	}
	if params.Bitrate > 0 {
		e.codecContext.SetBitRate(int64(params.Bitrate))
	}
	if params.GOPSize > 0 {
		e.codecContext.SetGopSize(params.GOPSize)
	}
	if params.MaxBFrames >= 0 {
		e.codecContext.SetMaxBFrames(params.MaxBFrames)
	}
	if params.HardwareFrames != nil {
		hw, ok := params.HardwareFrames.(*hardwareFrames)
		if !ok {
			return nil, fmt.Errorf("the hardware frames context was not created by libav (%T)", params.HardwareFrames)
		}
		e.codecContext.SetHardwareFramesContext(hw.context)
	}

	logger.Tracef(ctx, "encoder options: %s", spew.Sdump(params.Options))
	if err := e.codecContext.Open(codec, newDictionary(ctx, params.Options)); err != nil {
		return nil, fmt.Errorf("unable to open the encoder '%s': %w", params.CodecName, err)
	}
	e.timeBase = rationalFromAstiav(e.codecContext.TimeBase())

	// the muxer header needs the extradata set by Open
	if e.codecParameters = astiav.AllocCodecParameters(); e.codecParameters == nil {
		return nil, fmt.Errorf("unable to allocate the codec parameters")
	}
	e.closer.Add(e.codecParameters.Free)
	if err := e.codecParameters.FromCodecContext(e.codecContext); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters of '%s': %w", params.CodecName, err)
	}
	return e, nil
}

func (e *encoder) TimeBase() types.Rational {
	return e.timeBase
}

func (e *encoder) SendFrame(ctx context.Context, f *frame.Frame) error {
	var native *astiav.Frame
	if f != nil {
		var err error
		if native, err = nativeFrame(f); err != nil {
			return err
		}
	}
	err := e.codecContext.SendFrame(native)
	switch {
	case err == nil:
		f.Release()
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return backend.ErrAgain
	}
	return err
}

func (e *encoder) ReceivePacket(ctx context.Context) (*packet.Packet, error) {
	native := packetPool.Get()
	err := e.codecContext.ReceivePacket(native)
	switch {
	case err == nil:
		return wrapPacket(native, e.timeBase), nil
	case errors.Is(err, astiav.ErrEagain):
		packetPool.Put(native)
		return nil, backend.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		packetPool.Put(native)
		return nil, io.EOF
	}
	packetPool.Put(native)
	return nil, err
}

func (e *encoder) SetBitrate(ctx context.Context, bitrate uint64) error {
	if bitrate == 0 {
		return fmt.Errorf("the bitrate cannot be zero")
	}
	e.codecContext.SetBitRate(int64(bitrate))
	return nil
}

func (e *encoder) StreamParams() backend.StreamParams {
	return backend.StreamParams{
		CodecName:   e.params.CodecName,
		Width:       e.params.Width,
		Height:      e.params.Height,
		PixelFormat: e.params.PixelFormat,
		TimeBase:    e.timeBase,
		Bitrate:     uint64(e.codecContext.BitRate()),
		Native:      e.codecParameters,
	}
}

func (e *encoder) Close() error {
	return e.closer.Close()
}
