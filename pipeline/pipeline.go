// Package pipeline drives capture, decoding, filtering, encoding and muxing
// through the Initializing, Streaming, Draining and Terminated states.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/decoder"
	"github.com/xaionaro-go/avscreencast/encoder"
	"github.com/xaionaro-go/avscreencast/filtergraph"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/hardware"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/muxer"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/telemetry"
	"github.com/xaionaro-go/avscreencast/types"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type Option interface {
	apply(*Pipeline)
}

type OptionTelemetryReporter struct {
	telemetry.Reporter
}

func (opt OptionTelemetryReporter) apply(p *Pipeline) {
	p.telemetryOptions = append(p.telemetryOptions, telemetry.OptionReporter{Reporter: opt.Reporter})
}

// OptionClock replaces the wall clock used for stage timings.
type OptionClock func() time.Time

func (opt OptionClock) apply(p *Pipeline) {
	p.now = opt
	p.telemetryOptions = append(p.telemetryOptions, telemetry.OptionClock(opt))
}

type Pipeline struct {
	backend          backend.Backend
	config           Config
	now              func() time.Time
	telemetryOptions []telemetry.Option

	started        atomic.Bool
	state          atomic.Int32
	pendingBitrate atomic.Uint64

	statsLocker xsync.Mutex
	stats       Stats
	pool        *hardware.FramePool

	closer    *astikit.Closer
	source    *capture.Source
	video     backend.StreamInfo
	hwManager *hardware.Manager
	device    *hardware.DeviceContext
	decoder   *decoder.Stage
	filter    *filtergraph.Graph
	encoder   *encoder.Stage
	muxer     *muxer.Stage
	telemetry *telemetry.Telemetry

	streamIndex   int
	schedule      []BitrateChange
	nextChange    int
	framesEncoded uint64
}

func New(
	b backend.Backend,
	cfg Config,
	opts ...Option,
) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, stageErr(StageConfig, err)
	}
	p := &Pipeline{
		backend:  b,
		config:   cfg,
		now:      time.Now,
		closer:   astikit.NewCloser(),
		schedule: cfg.sortedSchedule(),
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	return p, nil
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(ctx context.Context, s State) {
	logger.Debugf(ctx, "pipeline state: %s -> %s", p.State(), s)
	p.state.Store(int32(s))
}

func (p *Pipeline) Stats() Stats {
	return xsync.DoR1(context.Background(), &p.statsLocker, func() Stats {
		stats := p.stats
		if p.pool != nil {
			stats.PeakPoolUsage = p.pool.Peak()
		}
		return stats
	})
}

func (p *Pipeline) updateStats(fn func(*Stats)) {
	p.statsLocker.Do(xsync.WithNoLogging(context.Background(), true), func() {
		fn(&p.stats)
	})
}

// SetBitrate asks for a new encoder bitrate; it is applied before the next captured packet.
func (p *Pipeline) SetBitrate(bitrate uint64) error {
	if bitrate == 0 {
		return fmt.Errorf("the bitrate cannot be zero")
	}
	if s := p.State(); s == StateDraining || s == StateTerminated {
		return fmt.Errorf("the pipeline is %s", s)
	}
	p.pendingBitrate.Store(bitrate)
	return nil
}

// Run streams until the capture ends, ctx is cancelled or a stage fails.
// Every path after a successful start goes through draining, so the
// trailer write is always attempted.
func (p *Pipeline) Run(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Run")
	defer func() { logger.Tracef(ctx, "/Run: %v", _err) }()

	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	logger.Tracef(ctx, "config: %s", spew.Sdump(p.config))

	cleanupCtx := xcontext.DetachDone(ctx)
	defer func() {
		p.setState(cleanupCtx, StateTerminated)
		if err := p.closer.Close(); err != nil {
			_err = errors.Join(_err, fmt.Errorf("unable to release the pipeline resources: %w", err))
		}
	}()

	if err := p.init(ctx, cleanupCtx); err != nil {
		p.updateStats(func(s *Stats) { s.Termination = types.Classify(err) })
		return err
	}

	p.setState(ctx, StateStreaming)
	streamErr := p.stream(ctx)
	endOfStream := errors.Is(streamErr, types.ErrEndOfStream)
	switch {
	case endOfStream:
		logger.Debugf(ctx, "the capture has ended")
	case ctx.Err() != nil:
		logger.Debugf(ctx, "cancelled: %v", streamErr)
	default:
		logger.Errorf(ctx, "streaming failed: %v", streamErr)
	}
	p.updateStats(func(s *Stats) {
		s.Termination = types.ErrorClassEndOfStream
		if !endOfStream {
			s.Termination = types.Classify(streamErr)
		}
	})

	p.setState(ctx, StateDraining)
	drainErr := p.drain(cleanupCtx, endOfStream)
	if endOfStream {
		return drainErr
	}
	return errors.Join(streamErr, drainErr)
}

func (p *Pipeline) init(ctx, cleanupCtx context.Context) error {
	cfg := p.config

	source, err := capture.Open(logger.CtxWithStage(ctx, string(StageCapture)), p.backend, cfg.Target, cfg.Capture)
	if err != nil {
		return stageErr(StageCapture, err)
	}
	p.closer.AddWithError(source.Close)
	p.source = source
	p.video = source.VideoStream()

	if cfg.Hardware.IsEnabled() {
		p.hwManager = hardware.NewManager(p.backend)
		p.closer.AddWithError(func() error { return p.hwManager.Close(cleanupCtx) })
		p.device, err = p.hwManager.CreateDeviceContext(logger.CtxWithStage(ctx, string(StageHardware)), cfg.Hardware.DeviceType, cfg.Hardware.DevicePath)
		if err != nil {
			return stageErr(StageHardware, err)
		}
	}

	p.decoder, err = decoder.New(logger.CtxWithStage(ctx, string(StageDecoder)), p.backend, p.video)
	if err != nil {
		return stageErr(StageDecoder, err)
	}
	p.closer.AddWithError(p.decoder.Close)

	spec, err := p.filterSpec()
	if err != nil {
		return stageErr(StageFilter, err)
	}
	p.filter, err = filtergraph.New(logger.CtxWithStage(ctx, string(StageFilter)), p.backend, p.hwManager, spec)
	if err != nil {
		return stageErr(StageFilter, err)
	}
	p.closer.AddWithError(func() error { return p.filter.Close(cleanupCtx) })
	p.updateStats(func(*Stats) { p.pool = p.filter.FramePool() })
	logger.Debugf(ctx, "filter graph: %s", p.filter.Describe())

	encCfg := cfg.Encoder
	encCfg.Resolution = p.filter.OutputResolution()
	encCfg.PixelFormat = p.filter.SoftwarePixelFormat()
	if encCfg.FrameRate.IsZero() {
		encCfg.FrameRate = p.filter.OutputFrameRate()
	}
	var hw encoder.Hardware
	if pool := p.filter.FramePool(); pool != nil {
		hw = encoder.Hardware{Device: p.device, Pool: pool}
	}
	p.encoder, err = encoder.New(logger.CtxWithStage(ctx, string(StageEncoder)), p.backend, encoder.Params{
		Config:        encCfg,
		Hardware:      hw,
		InputTimeBase: p.filter.OutputTimeBase(),
	})
	if err != nil {
		return stageErr(StageEncoder, err)
	}
	p.closer.AddWithError(func() error { return p.encoder.Close(cleanupCtx) })

	p.muxer, err = muxer.Open(logger.CtxWithStage(ctx, string(StageMuxer)), p.backend, cfg.Output)
	if err != nil {
		return stageErr(StageMuxer, err)
	}
	p.closer.AddWithError(func() error { return p.muxer.Close(cleanupCtx) })

	p.streamIndex, err = p.muxer.AddStream(ctx, p.encoder.StreamParams())
	if err != nil {
		return stageErr(StageMuxer, err)
	}
	timeBases, err := p.muxer.WriteHeader(ctx)
	if err != nil {
		return stageErr(StageMuxer, err)
	}
	p.encoder.SetOutputTimeBase(timeBases[p.streamIndex])

	p.telemetry = telemetry.New(cfg.TelemetryWindow, p.telemetryOptions...)
	p.telemetry.Start()
	return nil
}

func (p *Pipeline) filterSpec() (*filtergraph.Spec, error) {
	cfg := p.config
	decoded := p.decoder.OutputContract()
	var sourceDevice *hardware.DeviceContext
	if decoded.Residency == frame.ResidencyHardware {
		sourceDevice = p.device
	}
	spec := filtergraph.NewSpec().Source(filtergraph.SourceParams{
		PixelFormat: decoded.PixelFormat,
		Residency:   decoded.Residency,
		Resolution:  types.Resolution{Width: p.video.Width, Height: p.video.Height},
		TimeBase:    p.decoder.TimeBase(),
		FrameRate:   p.video.FrameRate,
		Device:      sourceDevice,
	})

	swPixFmt := cfg.softwarePixelFormat()
	if swPixFmt != p.video.PixelFormat {
		spec.Format(swPixFmt)
	}
	if res := cfg.Encoder.Resolution; !res.IsZero() && (res.Width != p.video.Width || res.Height != p.video.Height) {
		spec.Scale(res)
	}
	if fps := cfg.Encoder.FrameRate; !fps.IsZero() && !fps.Equal(p.video.FrameRate) {
		spec.FrameRate(fps)
	}

	if p.device == nil {
		return spec.Sink(swPixFmt, frame.ResidencyHost), nil
	}

	required := encoderDelay(cfg.Encoder) + spec.Depth() + 2
	poolSize := cfg.Hardware.PoolSize
	if poolSize == 0 {
		poolSize = max(hardware.DefaultPoolCapacity, required)
	}
	if poolSize < required {
		return nil, types.ErrGraphValidation{
			Node:   "hwupload",
			Reason: fmt.Sprintf("the pool capacity %d is below the %d surfaces the pipeline may hold at once", poolSize, required),
		}
	}
	return spec.
		HardwareUpload(p.device, poolSize).
		Sink(p.device.Type().HardwarePixelFormat(), frame.ResidencyHardware), nil
}

func (p *Pipeline) stream(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bitrate := p.pendingBitrate.Swap(0); bitrate != 0 {
			p.setBitrate(ctx, bitrate)
		}

		pkt, err := p.source.NextPacket(ctx)
		if err != nil {
			switch {
			case errors.Is(err, types.ErrEndOfStream):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			}
			return stageErr(StageCapture, types.ErrCaptureRead{Target: p.source.Target(), Err: err})
		}
		if pkt.StreamIndex != p.video.Index {
			pkt.Release()
			p.updateStats(func(s *Stats) { s.PacketsCaptured++; s.PacketsIgnored++ })
			continue
		}
		p.updateStats(func(s *Stats) { s.PacketsCaptured++ })

		start := p.now()
		frames, err := p.decoder.Decode(ctx, pkt)
		if err != nil {
			return stageErr(StageDecoder, err)
		}
		if err := p.filterFrames(ctx, frames, p.now().Sub(start)); err != nil {
			return err
		}
	}
}

// filterFrames takes ownership of frames.
func (p *Pipeline) filterFrames(
	ctx context.Context,
	frames []*frame.Frame,
	decodeDuration time.Duration,
) error {
	decodeDuration = perFrame(decodeDuration, len(frames))
	for idx, f := range frames {
		p.updateStats(func(s *Stats) { s.FramesDecoded++ })

		start := p.now()
		if err := p.filter.Push(ctx, f); err != nil {
			releaseFrames(frames[idx+1:])
			return stageErr(StageFilter, err)
		}
		filtered, err := p.filter.Drain(ctx)
		if err != nil {
			releaseFrames(frames[idx+1:])
			return stageErr(StageFilter, err)
		}
		sample := telemetry.Sample{
			Decode: decodeDuration,
			Filter: p.now().Sub(start),
		}
		if err := p.encodeFrames(ctx, filtered, sample); err != nil {
			releaseFrames(frames[idx+1:])
			return err
		}
	}
	return nil
}

// encodeFrames takes ownership of frames.
func (p *Pipeline) encodeFrames(
	ctx context.Context,
	frames []*frame.Frame,
	sample telemetry.Sample,
) error {
	for idx, f := range frames {
		p.updateStats(func(s *Stats) { s.FramesFiltered++ })
		for p.nextChange < len(p.schedule) && p.schedule[p.nextChange].AtFrame <= p.framesEncoded {
			p.setBitrate(ctx, p.schedule[p.nextChange].Bitrate)
			p.nextChange++
		}

		start := p.now()
		pkts, err := p.encoder.Encode(ctx, f)
		if err != nil {
			releaseFrames(frames[idx+1:])
			return stageErr(StageEncoder, err)
		}
		sample.Encode = p.now().Sub(start)
		p.framesEncoded++
		p.updateStats(func(s *Stats) {
			s.FramesEncoded++
			s.PacketsEncoded += uint64(len(pkts))
		})
		p.telemetry.Observe(ctx, sample)

		if err := p.writePackets(ctx, pkts); err != nil {
			releaseFrames(frames[idx+1:])
			return err
		}
	}
	return nil
}

// writePackets takes ownership of pkts.
func (p *Pipeline) writePackets(ctx context.Context, pkts []*packet.Packet) error {
	for idx, pkt := range pkts {
		pkt.StreamIndex = p.streamIndex
		size := len(pkt.Payload)
		if err := p.muxer.WritePacket(ctx, pkt); err != nil {
			releasePackets(pkts[idx+1:])
			return stageErr(StageMuxer, err)
		}
		p.updateStats(func(s *Stats) {
			s.PacketsMuxed++
			s.BytesMuxed += uint64(size)
		})
	}
	return nil
}

func (p *Pipeline) setBitrate(ctx context.Context, bitrate uint64) {
	if err := p.encoder.SetBitrate(ctx, bitrate); err != nil {
		logger.Errorf(ctx, "unable to change the bitrate to %d: %v", bitrate, err)
		return
	}
	logger.Infof(ctx, "the bitrate is now %d bps (after %d frames)", bitrate, p.framesEncoded)
	p.updateStats(func(s *Stats) { s.BitrateChanges++ })
}

// drain flushes what the stages still hold. The decoder and the filter are
// flushed only after a clean end of stream; the encoder flush and the
// trailer are always attempted.
func (p *Pipeline) drain(ctx context.Context, endOfStream bool) (_err error) {
	logger.Tracef(ctx, "drain(%t)", endOfStream)
	defer func() { logger.Tracef(ctx, "/drain(%t): %v", endOfStream, _err) }()

	var errs []error
	if endOfStream {
		frames, err := p.decoder.Flush(ctx)
		if err == nil {
			err = p.filterFrames(ctx, frames, 0)
		} else {
			err = stageErr(StageDecoder, err)
		}
		if err == nil {
			var filtered []*frame.Frame
			filtered, err = p.filter.Flush(ctx)
			if err == nil {
				err = p.encodeFrames(ctx, filtered, telemetry.Sample{})
			} else {
				err = stageErr(StageFilter, err)
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	buffered := p.encoder.BufferedFrames()
	pkts, err := p.encoder.Flush(ctx)
	if err != nil {
		errs = append(errs, stageErr(StageEncoder, err))
	} else {
		p.updateStats(func(s *Stats) {
			s.BufferedAtDrain = buffered
			s.PacketsFlushedOnDrain = uint64(len(pkts))
			s.PacketsEncoded += uint64(len(pkts))
		})
		if err := p.writePackets(ctx, pkts); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.muxer.WriteTrailer(ctx); err != nil {
		errs = append(errs, stageErr(StageMuxer, err))
	} else {
		p.updateStats(func(s *Stats) { s.TrailerWritten = true })
	}
	p.telemetry.Flush(ctx)
	return errors.Join(errs...)
}

// perFrame splits the decode time of a packet among the frames it produced.
func perFrame(d time.Duration, frames int) time.Duration {
	if frames <= 1 {
		return d
	}
	return d / time.Duration(frames)
}

func releaseFrames(frames []*frame.Frame) {
	for _, f := range frames {
		f.Release()
	}
}

func releasePackets(pkts []*packet.Packet) {
	for _, pkt := range pkts {
		pkt.Release()
	}
}
