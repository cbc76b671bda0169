// Package encoder compresses filtered frames into packets of the output stream.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/hardware"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
	"github.com/xaionaro-go/xsync"
)

type Factory interface {
	NewEncoder(ctx context.Context, params backend.EncoderParams) (backend.EncoderSession, error)
}

// Hardware binds the encoder to the device and the pool the filter graph uploads into.
type Hardware struct {
	Device *hardware.DeviceContext
	Pool   *hardware.FramePool
}

func (hw Hardware) IsSet() bool {
	return hw.Pool != nil
}

type Params struct {
	Config
	Hardware Hardware

	// InputTimeBase is used as the encoder time base when no frame rate is configured.
	InputTimeBase types.Rational
}

type Stage struct {
	locker xsync.Mutex

	session        backend.EncoderSession
	config         Config
	input          frame.Contract
	softwarePixFmt types.PixelFormat
	deviceRef      *hardware.DeviceRef

	timeBase       types.Rational
	outputTimeBase types.Rational

	lastPTS int64
	lastDTS int64

	framesSent      uint64
	packetsReceived uint64
	flushed         bool
}

func New(
	ctx context.Context,
	factory Factory,
	params Params,
) (_ret *Stage, _err error) {
	logger.Tracef(ctx, "New(%s)", params.CodecName)
	defer func() { logger.Tracef(ctx, "/New(%s): %v", params.CodecName, _err) }()

	if params.CodecName == "" {
		return nil, fmt.Errorf("the codec is not set")
	}
	if params.Resolution.IsZero() {
		return nil, fmt.Errorf("the encoder resolution is not set")
	}
	ctx = belt.WithField(ctx, "codec_name", params.CodecName)
	ctx = belt.WithField(ctx, "hw_accelerated", params.Hardware.IsSet())

	s := &Stage{
		config:  params.Config,
		lastPTS: types.NoPTS,
		lastDTS: types.NoPTS,
	}
	defer func() {
		if _err != nil {
			_ = s.Close(ctx)
		}
	}()

	encParams := backend.EncoderParams{
		CodecName:   params.CodecName,
		Width:       params.Resolution.Width,
		Height:      params.Resolution.Height,
		PixelFormat: params.PixelFormat,
		FrameRate:   params.FrameRate,
		Bitrate:     params.Bitrate,
		GOPSize:     params.GOPSize,
		MaxBFrames:  params.MaxBFrames,
		Options:     params.CodecOptions(),
	}
	if params.FrameRate.IsZero() {
		encParams.TimeBase = params.InputTimeBase
	}

	s.input = frame.Contract{PixelFormat: params.PixelFormat, Residency: frame.ResidencyHost}
	s.softwarePixFmt = params.PixelFormat
	if params.Hardware.IsSet() {
		pool := params.Hardware.Pool
		device := params.Hardware.Device
		if device == nil {
			device = pool.DeviceContext()
		}
		if device != pool.DeviceContext() {
			return nil, fmt.Errorf("the frame pool belongs to %s, not to %s", pool.DeviceContext(), device)
		}
		poolParams := pool.Params()
		if params.PixelFormat != types.PixelFormatNone && params.PixelFormat != poolParams.SoftwarePixelFormat {
			return nil, fmt.Errorf("the encoder sub-format %s differs from the pool's %s", params.PixelFormat, poolParams.SoftwarePixelFormat)
		}
		if poolParams.Width != params.Resolution.Width || poolParams.Height != params.Resolution.Height {
			return nil, fmt.Errorf("the pool surfaces are %dx%d, the encoder is %s", poolParams.Width, poolParams.Height, params.Resolution)
		}

		ref, err := device.Acquire(ctx, "encoder:"+params.CodecName)
		if err != nil {
			return nil, fmt.Errorf("unable to acquire the device: %w", err)
		}
		s.deviceRef = ref

		s.softwarePixFmt = poolParams.SoftwarePixelFormat
		s.input = frame.Contract{PixelFormat: poolParams.HardwarePixelFormat, Residency: frame.ResidencyHardware}
		encParams.PixelFormat = poolParams.HardwarePixelFormat
		encParams.HardwareFrames = pool.Frames()
	}
	if s.input.PixelFormat == types.PixelFormatNone {
		return nil, fmt.Errorf("the encoder pixel format is not set")
	}

	session, err := factory.NewEncoder(ctx, encParams)
	if err != nil {
		return nil, fmt.Errorf("unable to open the encoder '%s': %w", params.CodecName, err)
	}
	s.session = session
	s.timeBase = session.TimeBase()
	s.outputTimeBase = s.timeBase
	return s, nil
}

// InputContract is the kind of frames Encode accepts.
func (s *Stage) InputContract() frame.Contract {
	return s.input
}

// SoftwarePixelFormat is the sub-format of hardware surfaces, or the input format.
func (s *Stage) SoftwarePixelFormat() types.PixelFormat {
	return s.softwarePixFmt
}

func (s *Stage) TimeBase() types.Rational {
	return s.timeBase
}

// SetOutputTimeBase sets the time base of the emitted packets, usually the
// one the muxer settled on for the stream.
func (s *Stage) SetOutputTimeBase(tb types.Rational) {
	s.locker.Do(context.Background(), func() {
		s.outputTimeBase = tb
	})
}

func (s *Stage) OutputTimeBase() types.Rational {
	return xsync.DoR1(context.Background(), &s.locker, func() types.Rational {
		return s.outputTimeBase
	})
}

// BufferedFrames is the number of frames sent but not yet turned into packets.
func (s *Stage) BufferedFrames() uint64 {
	return xsync.DoR1(context.Background(), &s.locker, func() uint64 {
		if s.packetsReceived > s.framesSent {
			return 0
		}
		return s.framesSent - s.packetsReceived
	})
}

func (s *Stage) FramesSent() uint64 {
	return xsync.DoR1(context.Background(), &s.locker, func() uint64 {
		return s.framesSent
	})
}

func (s *Stage) PacketsReceived() uint64 {
	return xsync.DoR1(context.Background(), &s.locker, func() uint64 {
		return s.packetsReceived
	})
}

func (s *Stage) StreamParams() backend.StreamParams {
	return xsync.DoR1(context.Background(), &s.locker, func() backend.StreamParams {
		params := s.session.StreamParams()
		params.PixelFormat = s.softwarePixFmt
		return params
	})
}

func (s *Stage) SetBitrate(
	ctx context.Context,
	bitrate uint64,
) (_err error) {
	logger.Debugf(ctx, "SetBitrate(%d)", bitrate)
	defer func() { logger.Debugf(ctx, "/SetBitrate(%d): %v", bitrate, _err) }()
	if bitrate == 0 {
		return fmt.Errorf("the bitrate cannot be zero")
	}
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.session.SetBitrate(ctx, bitrate); err != nil {
			return types.ErrEncode{Err: fmt.Errorf("unable to set the bitrate to %d: %w", bitrate, err)}
		}
		s.config.Bitrate = bitrate
		return nil
	})
}

func (s *Stage) Bitrate() uint64 {
	return xsync.DoR1(context.Background(), &s.locker, func() uint64 {
		return s.config.Bitrate
	})
}

// Encode takes ownership of f and returns the packets that became ready.
func (s *Stage) Encode(
	ctx context.Context,
	f *frame.Frame,
) (_ret []*packet.Packet, _err error) {
	logger.Tracef(ctx, "Encode: %s", f)
	defer func() { logger.Tracef(ctx, "/Encode: %d packets, %v", len(_ret), _err) }()
	return xsync.DoA2R2(ctx, &s.locker, s.encodeLocked, ctx, f)
}

func (s *Stage) encodeLocked(
	ctx context.Context,
	f *frame.Frame,
) ([]*packet.Packet, error) {
	if f == nil {
		return nil, types.ErrEncode{Err: errors.New("nil frame, use Flush to drain the encoder")}
	}
	if s.flushed {
		f.Release()
		return nil, types.ErrEncode{Err: errors.New("the encoder is already flushed")}
	}
	if err := s.input.Check(f); err != nil {
		f.Release()
		return nil, types.ErrEncode{Err: err}
	}
	if f.PTS == types.NoPTS {
		f.Release()
		return nil, types.ErrEncode{Err: errors.New("the frame has no PTS")}
	}

	if f.TimeBase != s.timeBase {
		f.PTS = types.RescaleTS(f.PTS, f.TimeBase, s.timeBase)
		if f.Duration > 0 {
			f.Duration = types.RescaleTS(f.Duration, f.TimeBase, s.timeBase)
		}
		f.TimeBase = s.timeBase
	}
	if s.lastPTS != types.NoPTS && f.PTS <= s.lastPTS {
		logger.Debugf(ctx, "correcting PTS %d to %d to keep it strictly increasing", f.PTS, s.lastPTS+1)
		f.PTS = s.lastPTS + 1
	}

	var result []*packet.Packet
	for {
		err := s.session.SendFrame(ctx, f)
		if err == nil {
			break
		}
		if !errors.Is(err, backend.ErrAgain) {
			f.Release()
			releaseAll(result)
			return nil, types.ErrEncode{Err: fmt.Errorf("unable to send the frame: %w", err)}
		}
		pkts, err := s.receiveLocked(ctx)
		if err != nil {
			f.Release()
			releaseAll(result)
			return nil, err
		}
		if len(pkts) == 0 {
			f.Release()
			releaseAll(result)
			return nil, types.ErrEncode{Err: errors.New("the encoder refuses input but has no output")}
		}
		result = append(result, pkts...)
	}
	s.lastPTS = f.PTS
	s.framesSent++

	pkts, err := s.receiveLocked(ctx)
	if err != nil {
		releaseAll(result)
		return nil, err
	}
	return append(result, pkts...), nil
}

// Flush ends the input and returns every buffered packet.
func (s *Stage) Flush(
	ctx context.Context,
) (_ret []*packet.Packet, _err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %d packets, %v", len(_ret), _err) }()
	return xsync.DoA1R2(ctx, &s.locker, s.flushLocked, ctx)
}

func (s *Stage) flushLocked(ctx context.Context) ([]*packet.Packet, error) {
	if s.flushed {
		return nil, nil
	}
	s.flushed = true
	if err := s.session.SendFrame(ctx, nil); err != nil {
		return nil, types.ErrEncode{Err: fmt.Errorf("unable to flush the encoder: %w", err)}
	}
	return s.receiveLocked(ctx)
}

func (s *Stage) receiveLocked(ctx context.Context) ([]*packet.Packet, error) {
	var result []*packet.Packet
	for {
		pkt, err := s.session.ReceivePacket(ctx)
		switch {
		case err == nil:
		case errors.Is(err, backend.ErrAgain), errors.Is(err, io.EOF):
			return result, nil
		default:
			releaseAll(result)
			return nil, types.ErrEncode{Err: fmt.Errorf("unable to receive a packet: %w", err)}
		}
		s.packetsReceived++

		if pkt.TimeBase.IsZero() {
			pkt.TimeBase = s.timeBase
		}
		if pkt.DTS == types.NoPTS {
			pkt.DTS = pkt.PTS
		}
		pkt.RescaleTS(s.outputTimeBase)
		if s.lastDTS != types.NoPTS && pkt.DTS < s.lastDTS {
			pkt.Release()
			releaseAll(result)
			return nil, types.ErrEncode{Err: fmt.Errorf("the DTS went backwards: %d < %d", pkt.DTS, s.lastDTS)}
		}
		s.lastDTS = pkt.DTS
		result = append(result, pkt)
	}
}

// Close releases the session and the device reference.
func (s *Stage) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()

	var errs []error
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unable to close the encoder: %w", err))
		}
		s.session = nil
	}
	if s.deviceRef != nil {
		if err := s.deviceRef.Release(ctx); err != nil && !errors.Is(err, types.ErrAlreadyReleased) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func releaseAll(pkts []*packet.Packet) {
	for _, pkt := range pkts {
		pkt.Release()
	}
}
