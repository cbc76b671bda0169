package libav

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

type demuxer struct {
	formatContext *astiav.FormatContext
	streams       []backend.StreamInfo
	closer        *astikit.Closer
}

func (*Backend) OpenInput(
	ctx context.Context,
	params backend.InputParams,
) (_ backend.Demuxer, _err error) {
	logger.Tracef(ctx, "OpenInput(%s, '%s')", params.Driver, params.URL)
	defer func() { logger.Tracef(ctx, "/OpenInput(%s, '%s'): %v", params.Driver, params.URL, _err) }()

	var inputFormat *astiav.InputFormat
	if params.Driver != "" {
		inputFormat = astiav.FindInputFormat(params.Driver)
		if inputFormat == nil {
			return nil, fmt.Errorf("unable to find input format by name '%s'", params.Driver)
		}
		logger.Debugf(ctx, "using format '%s'", inputFormat.Name())
	}

	d := &demuxer{
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			d.closer.Close()
		}
	}()

	if d.formatContext = astiav.AllocFormatContext(); d.formatContext == nil {
		return nil, fmt.Errorf("unable to allocate a format context")
	}
	d.closer.Add(d.formatContext.Free)

	for _, opt := range params.Options {
		logger.Debugf(ctx, "input.Dictionary['%s'] = '%s'", opt.Key, opt.Value)
	}
	if err := d.formatContext.OpenInput(params.URL, inputFormat, newDictionary(ctx, params.Options)); err != nil {
		return nil, fmt.Errorf("unable to open input by URL '%s': %w", params.URL, err)
	}
	d.closer.Add(d.formatContext.CloseInput)

	if err := d.formatContext.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("unable to get stream info: %w", err)
	}

	for _, s := range d.formatContext.Streams() {
		cp := s.CodecParameters()
		info := backend.StreamInfo{
			Index:     s.Index(),
			MediaType: mediaTypeFromAstiav(cp.MediaType()),
			CodecName: cp.CodecID().Name(),
			TimeBase:  rationalFromAstiav(s.TimeBase()),
			Native:    s,
		}
		if info.MediaType == backend.MediaTypeVideo {
			info.Width = uint32(cp.Width())
			info.Height = uint32(cp.Height())
			info.PixelFormat = pixelFormatFromAstiav(cp.PixelFormat())
			info.FrameRate = rationalFromAstiav(d.formatContext.GuessFrameRate(s, nil))
		}
		logger.Debugf(ctx, "input stream #%d: %s %s %dx%d %s tb:%s fps:%s",
			info.Index, info.MediaType, info.CodecName, info.Width, info.Height, info.PixelFormat, info.TimeBase, info.FrameRate)
		d.streams = append(d.streams, info)
	}
	return d, nil
}

func (d *demuxer) Streams() []backend.StreamInfo {
	return d.streams
}

func (d *demuxer) ReadPacket(ctx context.Context) (*packet.Packet, error) {
	native := packetPool.Get()
	for {
		if err := ctx.Err(); err != nil {
			packetPool.Put(native)
			return nil, err
		}
		err := d.formatContext.ReadFrame(native)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain):
			continue
		case errors.Is(err, astiav.ErrEof):
			packetPool.Put(native)
			return nil, io.EOF
		default:
			packetPool.Put(native)
			return nil, fmt.Errorf("unable to read a packet: %w", err)
		}

		var timeBase types.Rational
		for _, s := range d.streams {
			if s.Index == native.StreamIndex() {
				timeBase = s.TimeBase
				break
			}
		}
		return wrapPacket(native, timeBase), nil
	}
}

func (d *demuxer) Close() error {
	return d.closer.Close()
}
