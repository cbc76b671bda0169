// Package decoder turns captured packets into raw frames.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

type Factory interface {
	NewDecoder(ctx context.Context, stream backend.StreamInfo) (backend.DecoderSession, error)
}

type Stage struct {
	session  backend.DecoderSession
	stream   backend.StreamInfo
	timeBase types.Rational

	// pending holds the timings of the accepted packets not decoded yet,
	// oldest first; nextPTS extrapolates the last frame. Both are in
	// timeBase units.
	pending []packetTiming
	nextPTS int64

	packetsIn uint64
	framesOut uint64
	flushed   bool
}

type packetTiming struct {
	pts      int64
	duration int64
}

var noTiming = packetTiming{pts: types.NoPTS}

// maxPendingTimings bounds pending for decoders that swallow packets.
const maxPendingTimings = 64

// New opens a decoder parameterized from the negotiated capture stream.
func New(
	ctx context.Context,
	factory Factory,
	stream backend.StreamInfo,
) (_ret *Stage, _err error) {
	logger.Tracef(ctx, "New(#%d)", stream.Index)
	defer func() { logger.Tracef(ctx, "/New(#%d): %v", stream.Index, _err) }()

	session, err := factory.NewDecoder(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("unable to open a decoder for stream #%d (%s): %w", stream.Index, stream.CodecName, err)
	}
	timeBase := session.TimeBase()
	if timeBase.IsZero() {
		timeBase = stream.TimeBase
	}
	return &Stage{
		session:  session,
		stream:   stream,
		timeBase: timeBase,
		nextPTS:  types.NoPTS,
	}, nil
}

func (s *Stage) TimeBase() types.Rational {
	return s.timeBase
}

// OutputContract is what the decoded frames look like; hardware pixel
// formats (e.g. drm_prime from kmsgrab) stay in accelerator memory.
func (s *Stage) OutputContract() frame.Contract {
	residency := frame.ResidencyHost
	if s.stream.PixelFormat.IsHardware() {
		residency = frame.ResidencyHardware
	}
	return frame.Contract{
		PixelFormat: s.stream.PixelFormat,
		Residency:   residency,
	}
}

// Decode takes ownership of pkt and returns every frame that became ready.
func (s *Stage) Decode(
	ctx context.Context,
	pkt *packet.Packet,
) (_ret []*frame.Frame, _err error) {
	logger.Tracef(ctx, "Decode: %s", pkt)
	defer func() { logger.Tracef(ctx, "/Decode: %d frames, %v", len(_ret), _err) }()

	defer pkt.Release()
	if s.flushed {
		return nil, types.ErrDecode{Err: errors.New("the decoder is already flushed")}
	}
	if pkt.StreamIndex != s.stream.Index {
		return nil, types.ErrDecode{Err: fmt.Errorf("received a packet of stream #%d, expected #%d", pkt.StreamIndex, s.stream.Index)}
	}
	pkt.RescaleTS(s.timeBase)
	s.packetsIn++

	var result []*frame.Frame
	for {
		err := s.session.SendPacket(ctx, pkt)
		if err == nil {
			break
		}
		if !errors.Is(err, backend.ErrAgain) {
			return releaseAll(result), types.ErrDecode{Err: fmt.Errorf("unable to send the packet: %w", err)}
		}

		// the decoder is full: drain it, then send again
		frames, err := s.receiveReady(ctx)
		result = append(result, frames...)
		if err != nil {
			return releaseAll(result), err
		}
		if len(frames) == 0 {
			return releaseAll(result), types.ErrDecode{Err: errors.New("the decoder refuses input but has no output")}
		}
	}

	s.pending = append(s.pending, packetTiming{pts: pkt.PTS, duration: pkt.Duration})
	if len(s.pending) > maxPendingTimings {
		s.pending = s.pending[1:]
	}

	frames, err := s.receiveReady(ctx)
	result = append(result, frames...)
	if err != nil {
		return releaseAll(result), err
	}
	return result, nil
}

func (s *Stage) receiveReady(ctx context.Context) ([]*frame.Frame, error) {
	var result []*frame.Frame
	for {
		f, err := s.session.ReceiveFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, backend.ErrAgain), errors.Is(err, io.EOF):
			return result, nil
		default:
			return result, types.ErrDecode{Err: fmt.Errorf("unable to receive a frame: %w", err)}
		}
		timing := noTiming
		if len(s.pending) > 0 {
			timing = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.fillTimestamps(f, timing)
		s.framesOut++
		result = append(result, f)
	}
}

func (s *Stage) fillTimestamps(f *frame.Frame, timing packetTiming) {
	if f.TimeBase.IsZero() {
		f.TimeBase = s.timeBase
	}
	if f.PTS == types.NoPTS {
		pts := timing.pts
		if pts == types.NoPTS {
			pts = s.nextPTS
		}
		f.PTS = types.RescaleTS(pts, s.timeBase, f.TimeBase)
	}
	if f.Duration <= 0 {
		switch {
		case timing.duration > 0:
			f.Duration = types.RescaleTS(timing.duration, s.timeBase, f.TimeBase)
		case !s.stream.FrameRate.IsZero():
			f.Duration = types.RescaleTS(1, s.stream.FrameRate.Reverse(), f.TimeBase)
		}
	}
	if f.PTS != types.NoPTS && f.Duration > 0 {
		s.nextPTS = types.RescaleTS(f.PTS+f.Duration, f.TimeBase, s.timeBase)
	}
}

// Flush drains the frames still buffered inside the decoder.
func (s *Stage) Flush(ctx context.Context) (_ret []*frame.Frame, _err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %d frames, %v", len(_ret), _err) }()

	if s.flushed {
		return nil, nil
	}
	s.flushed = true
	if err := s.session.SendPacket(ctx, nil); err != nil {
		return nil, types.ErrDecode{Err: fmt.Errorf("unable to start flushing: %w", err)}
	}
	return s.receiveReady(ctx)
}

func (s *Stage) PacketsIn() uint64 {
	return s.packetsIn
}

func (s *Stage) FramesOut() uint64 {
	return s.framesOut
}

func (s *Stage) Close() error {
	return s.session.Close()
}

func releaseAll(frames []*frame.Frame) []*frame.Frame {
	for _, f := range frames {
		f.Release()
	}
	return nil
}
