package synthetic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

const (
	encoderReadyCapacity = 4
	minPacketSize        = 16
	defaultBitrate       = 2_000_000
)

var errInjectedEncode = errors.New("generic error in an external library (injected)")

// encoder holds Config.EncoderLookahead frames (and thus their surfaces)
// before emitting a packet for the oldest one.
type encoder struct {
	backend  *Backend
	params   backend.EncoderParams
	input    frame.Contract
	timeBase types.Rational
	bitrate  uint64

	held       []*frame.Frame
	ready      []*packet.Packet
	lastPTS    int64
	frameCount int64
	accepted   int
	flushing   bool
}

func (b *Backend) NewEncoder(
	ctx context.Context,
	params backend.EncoderParams,
) (backend.EncoderSession, error) {
	if err := b.Config.Faults.NewEncoder; err != nil {
		return nil, err
	}
	if params.CodecName == "" {
		return nil, fmt.Errorf("the codec is not set")
	}
	if params.Width == 0 || params.Height == 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", params.Width, params.Height)
	}
	timeBase := params.TimeBase
	if timeBase.IsZero() {
		if params.FrameRate.IsZero() {
			return nil, fmt.Errorf("neither the time base nor the frame rate is set")
		}
		timeBase = params.FrameRate.Reverse()
	}
	if err := timeBase.Validate(); err != nil {
		return nil, fmt.Errorf("invalid time base: %w", err)
	}

	input := frame.Contract{
		PixelFormat: params.PixelFormat,
		Residency:   frame.ResidencyHost,
	}
	if params.HardwareFrames != nil {
		hw, ok := params.HardwareFrames.(*hardwareFrames)
		if !ok {
			return nil, fmt.Errorf("foreign hardware frames context %T", params.HardwareFrames)
		}
		input = frame.Contract{
			PixelFormat: hw.params.HardwarePixelFormat,
			Residency:   frame.ResidencyHardware,
		}
	}

	bitrate := params.Bitrate
	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	if params.GOPSize <= 0 {
		params.GOPSize = 60
	}
	return &encoder{
		backend:  b,
		params:   params,
		input:    input,
		timeBase: timeBase,
		bitrate:  bitrate,
		lastPTS:  types.NoPTS,
	}, nil
}

func (e *encoder) TimeBase() types.Rational {
	return e.timeBase
}

func (e *encoder) SendFrame(ctx context.Context, f *frame.Frame) error {
	if e.flushing {
		return fmt.Errorf("the encoder is flushing")
	}
	if f == nil {
		e.flushing = true
		for len(e.held) > 0 {
			e.emitOldest()
		}
		return nil
	}
	if len(e.ready) >= encoderReadyCapacity {
		return backend.ErrAgain
	}
	if limit := e.backend.Config.Faults.EncodeFailAfter; limit > 0 && e.accepted >= limit {
		return errInjectedEncode
	}
	if err := e.input.Check(f); err != nil {
		return err
	}
	if f.TimeBase != e.timeBase {
		return fmt.Errorf("the frame time base %s differs from the encoder's %s", f.TimeBase, e.timeBase)
	}
	if e.lastPTS != types.NoPTS && f.PTS <= e.lastPTS {
		return fmt.Errorf("non-strictly-monotonic PTS: %d <= %d", f.PTS, e.lastPTS)
	}
	e.lastPTS = f.PTS
	e.accepted++
	e.held = append(e.held, f)
	e.backend.framesLive.Inc()
	for len(e.held) > e.backend.Config.EncoderLookahead {
		e.emitOldest()
	}
	return nil
}

func (e *encoder) emitOldest() {
	f := e.held[0]
	e.held = e.held[1:]

	frameInterval := e.timeBase
	if !e.params.FrameRate.IsZero() {
		frameInterval = e.params.FrameRate.Reverse()
	}
	size := int(e.bitrate / 8 * uint64(frameInterval.Num) / uint64(frameInterval.Den))
	if size < minPacketSize {
		size = minPacketSize
	}
	payload := make([]byte, size)
	binary.BigEndian.PutUint64(payload, uint64(e.frameCount))

	pkt := packet.New(0, e.timeBase, payload)
	pkt.PTS = f.PTS
	pkt.DTS = f.PTS
	pkt.Duration = f.Duration
	if pkt.Duration <= 0 && !e.params.FrameRate.IsZero() {
		pkt.Duration = types.RescaleTS(1, e.params.FrameRate.Reverse(), e.timeBase)
	}
	pkt.Keyframe = e.frameCount%int64(e.params.GOPSize) == 0
	e.frameCount++
	e.ready = append(e.ready, pkt)

	f.Release()
	e.backend.framesLive.Dec()
}

func (e *encoder) ReceivePacket(ctx context.Context) (*packet.Packet, error) {
	if len(e.ready) > 0 {
		pkt := e.ready[0]
		e.ready = e.ready[1:]
		return pkt, nil
	}
	if e.flushing {
		return nil, io.EOF
	}
	return nil, backend.ErrAgain
}

func (e *encoder) SetBitrate(ctx context.Context, bitrate uint64) error {
	if bitrate == 0 {
		return fmt.Errorf("the bitrate cannot be zero")
	}
	e.bitrate = bitrate
	return nil
}

func (e *encoder) StreamParams() backend.StreamParams {
	pixFmt := e.params.PixelFormat
	if hw, ok := e.params.HardwareFrames.(*hardwareFrames); ok {
		pixFmt = hw.params.SoftwarePixelFormat
	}
	return backend.StreamParams{
		CodecName:   e.params.CodecName,
		Width:       e.params.Width,
		Height:      e.params.Height,
		PixelFormat: pixFmt,
		TimeBase:    e.timeBase,
		Bitrate:     e.bitrate,
		Extradata:   []byte("avsc:" + e.params.CodecName),
	}
}

func (e *encoder) Close() error {
	for _, f := range e.held {
		f.Release()
		e.backend.framesLive.Dec()
	}
	e.held = nil
	e.ready = nil
	return nil
}
