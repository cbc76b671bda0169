// Package capture opens the live desktop input and yields its packets.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

type Source struct {
	demuxer backend.Demuxer
	target  string
	driver  string
	video   backend.StreamInfo
}

// Open starts capturing target. It never retries.
func Open(
	ctx context.Context,
	opener backend.InputOpener,
	target string,
	opts Options,
) (_ret *Source, _err error) {
	logger.Tracef(ctx, "Open('%s')", target)
	defer func() { logger.Tracef(ctx, "/Open('%s'): %v", target, _err) }()

	if err := opts.Validate(); err != nil {
		return nil, types.ErrFormatNegotiation{Err: err}
	}
	driver := opts.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	url, dict, err := inputURL(target, opts)
	if err != nil {
		return nil, types.ErrDeviceUnavailable{Target: target, Err: err}
	}
	logger.Debugf(ctx, "opening the capture input '%s' via '%s' with %s", url, driver, dict)

	demuxer, err := opener.OpenInput(ctx, backend.InputParams{
		Driver:  driver,
		URL:     url,
		Options: dict,
	})
	if err != nil {
		return nil, types.ErrDeviceUnavailable{Target: url, Err: err}
	}

	s := &Source{
		demuxer: demuxer,
		target:  url,
		driver:  driver,
	}
	if err := s.negotiate(opts); err != nil {
		demuxer.Close()
		return nil, types.ErrFormatNegotiation{Err: err}
	}
	logger.Debugf(ctx, "capturing stream #%d: %dx%d %s @ %s fps (time base %s)",
		s.video.Index, s.video.Width, s.video.Height, s.video.PixelFormat, s.video.FrameRate, s.video.TimeBase)
	return s, nil
}

func (s *Source) negotiate(opts Options) error {
	var found bool
	for _, stream := range s.demuxer.Streams() {
		if stream.MediaType != backend.MediaTypeVideo {
			continue
		}
		s.video = stream
		found = true
		break
	}
	if !found {
		return fmt.Errorf("the input '%s' has no video stream", s.target)
	}
	if err := s.video.TimeBase.Validate(); err != nil || s.video.TimeBase.IsZero() {
		return fmt.Errorf("the video stream has an invalid time base %s", s.video.TimeBase)
	}
	if s.video.Width == 0 || s.video.Height == 0 {
		return fmt.Errorf("the video stream has an invalid resolution %dx%d", s.video.Width, s.video.Height)
	}
	if s.video.PixelFormat == types.PixelFormatNone {
		return fmt.Errorf("the video stream has no pixel format")
	}
	if s.video.FrameRate.IsZero() {
		s.video.FrameRate = opts.FrameRate
	}
	return nil
}

func (s *Source) Target() string {
	return s.target
}

func (s *Source) Driver() string {
	return s.driver
}

func (s *Source) VideoStream() backend.StreamInfo {
	return s.video
}

func (s *Source) Streams() []backend.StreamInfo {
	return s.demuxer.Streams()
}

// NextPacket blocks until the next packet of any stream; ErrEndOfStream at exhaustion.
func (s *Source) NextPacket(ctx context.Context) (*packet.Packet, error) {
	pkt, err := s.demuxer.ReadPacket(ctx)
	if errors.Is(err, io.EOF) {
		return nil, types.ErrEndOfStream
	}
	return pkt, err
}

func (s *Source) Close() error {
	return s.demuxer.Close()
}
