package synthetic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

// the same time base x11grab reports
var captureTimeBase = types.NewRational(1, 1000000)

var errInjectedCapture = errors.New("input/output error (injected)")

type source struct {
	backend    *Backend
	streams    []backend.StreamInfo
	frameRate  types.Rational
	startedAt  time.Time
	frameIndex uint64
	pending    []*packet.Packet
}

func (b *Backend) OpenInput(
	ctx context.Context,
	params backend.InputParams,
) (_ backend.Demuxer, _err error) {
	logger.Tracef(ctx, "OpenInput(%s, '%s')", params.Driver, params.URL)
	defer func() { logger.Tracef(ctx, "/OpenInput(%s, '%s'): %v", params.Driver, params.URL, _err) }()

	if err := b.Config.Faults.OpenInput; err != nil {
		return nil, err
	}

	resolution := b.Config.Resolution
	if v, ok := params.Options.Get("video_size"); ok {
		r, err := types.ParseResolution(v)
		if err != nil {
			return nil, err
		}
		resolution = r
	}

	var frameRate types.Rational
	if v, ok := params.Options.Get("framerate"); ok {
		r, err := types.RationalFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid framerate '%s': %w", v, err)
		}
		frameRate = r
	}

	if v, ok := params.Options.Get("draw_mouse"); ok {
		if _, err := strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid draw_mouse value '%s': %w", v, err)
		}
	}

	s := &source{
		backend:   b,
		frameRate: frameRate,
		startedAt: time.Now(),
	}
	s.streams = append(s.streams, backend.StreamInfo{
		Index:       0,
		MediaType:   backend.MediaTypeVideo,
		CodecName:   CodecNameRawPattern,
		Width:       resolution.Width,
		Height:      resolution.Height,
		PixelFormat: b.Config.PixelFormat,
		TimeBase:    captureTimeBase,
		FrameRate:   frameRate,
	})
	for idx := 0; idx < b.Config.ExtraStreams; idx++ {
		s.streams = append(s.streams, backend.StreamInfo{
			Index:     idx + 1,
			MediaType: backend.MediaTypeData,
			CodecName: "bin_data",
			TimeBase:  types.NewRational(1, 1000),
		})
	}
	return s, nil
}

func (s *source) Streams() []backend.StreamInfo {
	return s.streams
}

func (s *source) frameDuration() int64 {
	if s.frameRate.IsZero() || s.frameRate.Den == 0 {
		return 0
	}
	return types.RescaleTS(1, s.frameRate.Reverse(), captureTimeBase)
}

func (s *source) ReadPacket(ctx context.Context) (*packet.Packet, error) {
	if len(s.pending) > 0 {
		pkt := s.pending[0]
		s.pending = s.pending[1:]
		return pkt, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.backend.Config.Frames > 0 && s.frameIndex >= s.backend.Config.Frames {
		return nil, io.EOF
	}
	if s.frameRate.IsZero() || s.frameRate.Den == 0 {
		return nil, fmt.Errorf("the frame rate is not set")
	}
	if limit := s.backend.Config.Faults.CaptureFailAfter; limit > 0 && s.frameIndex >= uint64(limit) {
		return nil, errInjectedCapture
	}

	n := s.frameIndex
	s.frameIndex++
	pts := types.RescaleTS(int64(n), s.frameRate.Reverse(), captureTimeBase)

	if s.backend.Config.RealTime {
		at := s.startedAt.Add(time.Duration(pts) * time.Microsecond)
		if wait := time.Until(at); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, n)
	pkt := packet.New(0, captureTimeBase, payload)
	pkt.PTS = pts
	pkt.DTS = pts
	pkt.Duration = s.frameDuration()
	pkt.Keyframe = true

	for _, stream := range s.streams[1:] {
		data := packet.New(stream.Index, stream.TimeBase, []byte{byte(n)})
		data.PTS = types.RescaleTS(pts, captureTimeBase, stream.TimeBase)
		data.DTS = data.PTS
		s.pending = append(s.pending, data)
	}
	return pkt, nil
}

func (s *source) Close() error {
	s.pending = nil
	return nil
}
