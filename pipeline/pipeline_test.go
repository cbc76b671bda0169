package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/backend/synthetic"
	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/encoder"
	"github.com/xaionaro-go/avscreencast/muxer"
	"github.com/xaionaro-go/avscreencast/telemetry"
	"github.com/xaionaro-go/avscreencast/types"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { belt.Flush(ctx) })
	return ctx
}

func newBackend(out *bufferCloser, cfg synthetic.Config) *synthetic.Backend {
	cfg.Output = func(string) (io.WriteCloser, error) { return out, nil }
	return synthetic.New(cfg)
}

func testConfig() Config {
	enc := encoder.DefaultConfig()
	enc.CodecName = synthetic.CodecNameRawPattern
	enc.PixelFormat = types.PixelFormatNV12
	return Config{
		Capture: capture.Options{
			FrameRate: types.NewRational(60, 1),
			Driver:    synthetic.DriverName,
		},
		Encoder:         enc,
		Output:          muxer.Params{URL: "out.ts", Format: "mpegts"},
		TelemetryWindow: 10,
	}
}

func readContainer(t *testing.T, out *bufferCloser) *synthetic.Container {
	require.True(t, out.closed)
	container, err := synthetic.ReadContainer(&out.Buffer)
	require.NoError(t, err)
	return container
}

func requireMonotonicDTS(t *testing.T, container *synthetic.Container) {
	last := map[int]int64{}
	for idx, pkt := range container.Packets {
		if prev, ok := last[pkt.StreamIndex]; ok {
			require.GreaterOrEqual(t, pkt.DTS, prev, "packet #%d", idx)
		}
		last[pkt.StreamIndex] = pkt.DTS
	}
}

func TestPipelineSoftwareEndToEnd(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	const frames, lookahead = 30, 3
	b := newBackend(out, synthetic.Config{
		Frames:           frames,
		ExtraStreams:     1,
		DecoderLatency:   1,
		EncoderLookahead: lookahead,
	})

	cfg := testConfig()
	cfg.Encoder.Resolution = types.Resolution{Width: 160, Height: 90}
	var reports []telemetry.Report
	p, err := New(b, cfg, OptionTelemetryReporter{telemetry.ReporterFunc(func(ctx context.Context, r telemetry.Report) {
		reports = append(reports, r)
	})})
	require.NoError(t, err)
	require.Equal(t, StateInitializing, p.State())

	require.NoError(t, p.Run(ctx))
	require.Equal(t, StateTerminated, p.State())

	container := readContainer(t, out)
	require.Len(t, container.Streams, 1)
	require.Equal(t, uint32(160), container.Streams[0].Width)
	require.Equal(t, types.NewRational(1, 90000), container.Streams[0].TimeBase)
	require.True(t, container.HasTrailer)
	require.GreaterOrEqual(t, len(container.Packets), frames-lookahead)
	require.Len(t, container.Packets, frames)
	require.Equal(t, uint64(len(container.Packets)), container.TrailerPacketCount)
	requireMonotonicDTS(t, container)
	for idx, pkt := range container.Packets {
		require.Equal(t, int64(idx)*1500, pkt.PTS)
	}

	stats := p.Stats()
	require.Equal(t, uint64(2*frames), stats.PacketsCaptured)
	require.Equal(t, uint64(frames), stats.PacketsIgnored)
	require.Equal(t, uint64(frames), stats.FramesDecoded)
	require.Equal(t, uint64(frames), stats.FramesEncoded)
	require.Equal(t, uint64(frames), stats.PacketsMuxed)
	require.Equal(t, uint64(lookahead), stats.BufferedAtDrain)
	require.Equal(t, stats.BufferedAtDrain, stats.PacketsFlushedOnDrain)
	require.True(t, stats.TrailerWritten)
	require.Equal(t, types.ErrorClassEndOfStream, stats.Termination)

	require.Len(t, reports, 3)
	require.Equal(t, uint64(frames), reports[2].TotalFrames)
	require.Equal(t, int64(0), b.FramesHeldByEncoders())

	require.ErrorIs(t, p.Run(ctx), ErrAlreadyStarted)
}

func TestPipelineHardwareEndToEnd(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	const frames, lookahead = 25, 4
	b := newBackend(out, synthetic.Config{
		Frames:           frames,
		EncoderLookahead: lookahead,
	})

	cfg := testConfig()
	cfg.Encoder.CodecName = "h264_vaapi"
	cfg.Encoder.Options = types.DictionaryItems{{Key: "async_depth", Value: "4"}}
	cfg.Hardware = HardwareConfig{
		DeviceType: types.HardwareDeviceTypeVAAPI,
		DevicePath: "/dev/dri/renderD128",
	}
	p, err := New(b, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx))

	container := readContainer(t, out)
	require.Len(t, container.Packets, frames)
	require.True(t, container.HasTrailer)
	requireMonotonicDTS(t, container)

	stats := p.Stats()
	require.Equal(t, uint64(lookahead), stats.BufferedAtDrain)
	require.Equal(t, uint64(lookahead), stats.PacketsFlushedOnDrain)
	require.Greater(t, stats.PeakPoolUsage, uint(lookahead))

	require.Equal(t, int64(0), b.DevicesOpen())
	require.Equal(t, int64(0), b.SurfacesLive())
	require.Equal(t, int64(0), b.FramesHeldByEncoders())
}

func TestPipelinePoolTooSmall(t *testing.T) {
	ctx := testCtx(t)
	b := newBackend(&bufferCloser{}, synthetic.Config{Frames: 5})

	cfg := testConfig()
	cfg.Encoder.MaxBFrames = 2
	cfg.Hardware = HardwareConfig{
		DeviceType: types.HardwareDeviceTypeVAAPI,
		PoolSize:   3,
	}
	p, err := New(b, cfg)
	require.NoError(t, err)

	err = p.Run(ctx)
	var stageErr ErrStage
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageFilter, stageErr.Stage)
	require.Equal(t, types.ErrorClassStartup, types.Classify(err))
	require.Equal(t, StateTerminated, p.State())
	require.Equal(t, int64(0), b.DevicesOpen())
}

func TestPipelineFrameRateConversion(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	const frames = 30
	b := newBackend(out, synthetic.Config{Frames: frames})

	cfg := testConfig()
	cfg.Encoder.FrameRate = types.NewRational(30, 1)
	p, err := New(b, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx))

	container := readContainer(t, out)
	require.InDelta(t, frames/2, len(container.Packets), 2)
	requireMonotonicDTS(t, container)
	require.Equal(t, uint64(frames), p.Stats().FramesDecoded)
}

func TestPipelineStartupErrors(t *testing.T) {
	injected := errors.New("injected")
	for _, tc := range []struct {
		name     string
		faults   synthetic.Faults
		stage    StageName
		hardware bool
	}{
		{name: "capture", faults: synthetic.Faults{OpenInput: injected}, stage: StageCapture},
		{name: "hardware", faults: synthetic.Faults{OpenHardwareDevice: injected}, stage: StageHardware, hardware: true},
		{name: "encoder", faults: synthetic.Faults{NewEncoder: injected}, stage: StageEncoder, hardware: true},
		{name: "muxer", faults: synthetic.Faults{OpenOutput: injected}, stage: StageMuxer, hardware: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testCtx(t)
			b := newBackend(&bufferCloser{}, synthetic.Config{Frames: 5, Faults: tc.faults})
			cfg := testConfig()
			if tc.hardware {
				cfg.Hardware.DeviceType = types.HardwareDeviceTypeVAAPI
			}
			p, err := New(b, cfg)
			require.NoError(t, err)

			err = p.Run(ctx)
			require.ErrorIs(t, err, injected)
			var stageErr ErrStage
			require.ErrorAs(t, err, &stageErr)
			require.Equal(t, tc.stage, stageErr.Stage)
			require.True(t, types.Classify(err).IsFatal())
			require.Equal(t, StateTerminated, p.State())
			require.False(t, p.Stats().TrailerWritten)
			require.Equal(t, int64(0), b.DevicesOpen())
		})
	}
}

func TestPipelineMuxFailureStillWritesTrailer(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	b := newBackend(out, synthetic.Config{
		Frames:           20,
		EncoderLookahead: 2,
		Faults:           synthetic.Faults{MuxWriteFailAfter: 5},
	})

	p, err := New(b, testConfig())
	require.NoError(t, err)
	err = p.Run(ctx)
	var stageErr ErrStage
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageMuxer, stageErr.Stage)
	require.Equal(t, types.ErrorClassRuntime, types.Classify(err))
	require.Equal(t, types.ErrorClassRuntime, p.Stats().Termination)

	container := readContainer(t, out)
	require.Len(t, container.Packets, 5)
	require.True(t, container.HasTrailer)
	require.True(t, p.Stats().TrailerWritten)
	require.Equal(t, int64(0), b.FramesHeldByEncoders())
}

func TestPipelineRuntimeFailureDrains(t *testing.T) {
	for _, tc := range []struct {
		name   string
		faults synthetic.Faults
		stage  StageName
	}{
		{"decode", synthetic.Faults{DecodeFailAfter: 8}, StageDecoder},
		{"encode", synthetic.Faults{EncodeFailAfter: 8}, StageEncoder},
		{"capture", synthetic.Faults{CaptureFailAfter: 8}, StageCapture},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testCtx(t)
			out := &bufferCloser{}
			b := newBackend(out, synthetic.Config{
				Frames:           20,
				EncoderLookahead: 3,
				Faults:           tc.faults,
			})

			p, err := New(b, testConfig())
			require.NoError(t, err)
			err = p.Run(ctx)
			var stageErr ErrStage
			require.ErrorAs(t, err, &stageErr)
			require.Equal(t, tc.stage, stageErr.Stage)
			require.Equal(t, types.ErrorClassRuntime, types.Classify(err))

			stats := p.Stats()
			require.Equal(t, types.ErrorClassRuntime, stats.Termination)
			require.True(t, stats.TrailerWritten)
			require.Equal(t, uint64(3), stats.BufferedAtDrain)
			require.Equal(t, stats.BufferedAtDrain, stats.PacketsFlushedOnDrain)
			require.Equal(t, int64(0), b.FramesHeldByEncoders())

			container := readContainer(t, out)
			require.True(t, container.HasTrailer)
			require.Len(t, container.Packets, 8)
			requireMonotonicDTS(t, container)
		})
	}
}

func TestPipelineCaptureReadErrorIsRuntime(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	b := newBackend(out, synthetic.Config{Faults: synthetic.Faults{CaptureFailAfter: 2}})

	p, err := New(b, testConfig())
	require.NoError(t, err)
	err = p.Run(ctx)
	require.ErrorAs(t, err, &types.ErrCaptureRead{})
	require.False(t, errors.As(err, &types.ErrDeviceUnavailable{}))
	require.Equal(t, types.ErrorClassRuntime, p.Stats().Termination)
}

func TestPerFrame(t *testing.T) {
	require.Equal(t, 9*time.Millisecond, perFrame(9*time.Millisecond, 0))
	require.Equal(t, 9*time.Millisecond, perFrame(9*time.Millisecond, 1))
	require.Equal(t, 3*time.Millisecond, perFrame(9*time.Millisecond, 3))
}

func TestPipelineStatsDuringRun(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	b := newBackend(out, synthetic.Config{Frames: 30})

	cfg := testConfig()
	cfg.Encoder.CodecName = "h264_vaapi"
	cfg.Hardware = HardwareConfig{
		DeviceType: types.HardwareDeviceTypeVAAPI,
		DevicePath: "/dev/dri/renderD128",
	}
	p, err := New(b, cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for p.State() != StateTerminated {
			_ = p.Stats()
		}
	}()
	require.NoError(t, p.Run(ctx))
	<-done
	require.NotZero(t, p.Stats().PeakPoolUsage)
}

func TestPipelineCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()
	out := &bufferCloser{}
	b := newBackend(out, synthetic.Config{EncoderLookahead: 3})

	p, err := New(b, testConfig(), OptionTelemetryReporter{telemetry.ReporterFunc(func(context.Context, telemetry.Report) {
		cancel()
	})})
	require.NoError(t, err)

	err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	container := readContainer(t, out)
	require.True(t, container.HasTrailer)
	stats := p.Stats()
	require.Equal(t, uint64(3), stats.BufferedAtDrain)
	require.Equal(t, stats.BufferedAtDrain, stats.PacketsFlushedOnDrain)
	require.Equal(t, stats.FramesEncoded, uint64(len(container.Packets)))
	require.Equal(t, int64(0), b.FramesHeldByEncoders())
}

func TestPipelineBitrateChange(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	const frames, changeAt = 40, 10
	b := newBackend(out, synthetic.Config{Frames: frames})

	cfg := testConfig()
	cfg.Encoder.Bitrate = 2_000_000
	cfg.BitrateSchedule = []BitrateChange{{AtFrame: changeAt, Bitrate: 8_000_000}}
	var p *Pipeline
	p, err := New(b, cfg, OptionTelemetryReporter{telemetry.ReporterFunc(func(context.Context, telemetry.Report) {
		if p.Stats().BitrateChanges == 1 {
			require.NoError(t, p.SetBitrate(1_000_000))
		}
	})})
	require.NoError(t, err)
	require.Error(t, p.SetBitrate(0))
	require.NoError(t, p.Run(ctx))
	require.Error(t, p.SetBitrate(1_000_000))

	container := readContainer(t, out)
	require.Len(t, container.Packets, frames)
	requireMonotonicDTS(t, container)
	for idx, pkt := range container.Packets {
		require.Equal(t, int64(idx)*1500, pkt.PTS, "no gap at packet #%d", idx)
	}
	require.Less(t, container.Packets[changeAt-1].Size, container.Packets[changeAt].Size)
	require.Greater(t, container.Packets[changeAt].Size, container.Packets[frames-1].Size)
	require.Equal(t, uint64(2), p.Stats().BitrateChanges)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Encoder.CodecName = ""
	_, err := New(synthetic.New(synthetic.Config{}), cfg)
	var stageErr ErrStage
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageConfig, stageErr.Stage)

	cfg = testConfig()
	cfg.Capture.FrameRate = types.Rational{}
	_, err = New(synthetic.New(synthetic.Config{}), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.BitrateSchedule = []BitrateChange{{AtFrame: 1}}
	_, err = New(synthetic.New(synthetic.Config{}), cfg)
	require.Error(t, err)
}

func TestEncoderDelay(t *testing.T) {
	cfg := encoder.DefaultConfig()
	require.Equal(t, uint(0), encoderDelay(cfg))
	cfg.MaxBFrames = 2
	cfg.Options = types.DictionaryItems{{Key: "rc-lookahead", Value: "10"}, {Key: "crf", Value: "20"}}
	require.Equal(t, uint(12), encoderDelay(cfg))
}
