package encoder

import (
	"context"
	"testing"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/backend/synthetic"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/hardware"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

var (
	captureTimeBase = types.NewRational(1, 1000000)
	resolution      = types.Resolution{Width: 320, Height: 180}
)

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { belt.Flush(ctx) })
	return ctx
}

func softwareConfig() Config {
	cfg := DefaultConfig()
	cfg.CodecName = "rawpattern"
	cfg.PixelFormat = types.PixelFormatNV12
	cfg.Resolution = resolution
	cfg.FrameRate = types.NewRational(60, 1)
	return cfg
}

func hostFrame(pts int64) *frame.Frame {
	f := frame.New(resolution.Width, resolution.Height, types.PixelFormatNV12, pts, captureTimeBase)
	f.Duration = 16667
	return f
}

func TestEncodeSoftware(t *testing.T) {
	ctx := testCtx(t)
	b := synthetic.New(synthetic.Config{EncoderLookahead: 2})

	enc, err := New(ctx, b, Params{Config: softwareConfig(), InputTimeBase: captureTimeBase})
	require.NoError(t, err)
	defer enc.Close(ctx)
	require.Equal(t, types.NewRational(1, 60), enc.TimeBase())
	require.Equal(t, frame.Contract{PixelFormat: types.PixelFormatNV12, Residency: frame.ResidencyHost}, enc.InputContract())

	enc.SetOutputTimeBase(types.NewRational(1, 90000))

	var pkts []*packet.Packet
	for idx := int64(0); idx < 5; idx++ {
		out, err := enc.Encode(ctx, hostFrame(idx*16667))
		require.NoError(t, err)
		pkts = append(pkts, out...)
	}
	require.Len(t, pkts, 3)
	require.Equal(t, uint64(2), enc.BufferedFrames())
	require.Equal(t, int64(2), b.FramesHeldByEncoders())

	flushed, err := enc.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, flushed, 2)
	pkts = append(pkts, flushed...)
	require.Equal(t, uint64(0), enc.BufferedFrames())
	require.Equal(t, int64(0), b.FramesHeldByEncoders())

	for idx, pkt := range pkts {
		require.Equal(t, types.NewRational(1, 90000), pkt.TimeBase)
		require.Equal(t, int64(idx)*1500, pkt.PTS)
		require.Equal(t, int64(1500), pkt.Duration)
		pkt.Release()
	}

	_, err = enc.Encode(ctx, hostFrame(100*16667))
	var encErr types.ErrEncode
	require.ErrorAs(t, err, &encErr)
}

func TestEncodeCorrectsPTS(t *testing.T) {
	ctx := testCtx(t)
	b := synthetic.New(synthetic.Config{})

	enc, err := New(ctx, b, Params{Config: softwareConfig(), InputTimeBase: captureTimeBase})
	require.NoError(t, err)
	defer enc.Close(ctx)

	var pkts []*packet.Packet
	for _, pts := range []int64{0, 1000, 1000, 33334} {
		out, err := enc.Encode(ctx, hostFrame(pts))
		require.NoError(t, err)
		pkts = append(pkts, out...)
	}
	require.Len(t, pkts, 4)
	var ptss []int64
	for _, pkt := range pkts {
		ptss = append(ptss, pkt.PTS)
	}
	require.Equal(t, []int64{0, 1, 2, 3}, ptss)
}

func TestEncodeRejectsContractMismatch(t *testing.T) {
	ctx := testCtx(t)
	b := synthetic.New(synthetic.Config{})

	enc, err := New(ctx, b, Params{Config: softwareConfig()})
	require.NoError(t, err)
	defer enc.Close(ctx)

	f := frame.New(resolution.Width, resolution.Height, types.PixelFormatBGR0, 0, captureTimeBase)
	_, err = enc.Encode(ctx, f)
	var encErr types.ErrEncode
	require.ErrorAs(t, err, &encErr)
	require.Equal(t, types.ErrorClassRuntime, types.Classify(err))
	require.True(t, f.IsReleased())
}

func TestEncodeHardware(t *testing.T) {
	ctx := testCtx(t)
	b := synthetic.New(synthetic.Config{EncoderLookahead: 1})
	m := hardware.NewManager(b)

	dc, err := m.CreateDeviceContext(ctx, types.HardwareDeviceTypeVAAPI, "/dev/dri/renderD128")
	require.NoError(t, err)
	pool, err := m.AllocFramePool(ctx, dc, hardware.FramePoolParams{
		SoftwarePixelFormat: types.PixelFormatNV12,
		Width:               resolution.Width,
		Height:              resolution.Height,
		Capacity:            4,
	})
	require.NoError(t, err)

	cfg := softwareConfig()
	cfg.CodecName = "h264_vaapi"
	enc, err := New(ctx, b, Params{
		Config:   cfg,
		Hardware: Hardware{Device: dc, Pool: pool},
	})
	require.NoError(t, err)
	require.Contains(t, dc.Holders(), "encoder:h264_vaapi")
	require.Equal(t, frame.Contract{PixelFormat: types.PixelFormatVAAPI, Residency: frame.ResidencyHardware}, enc.InputContract())
	require.Equal(t, types.PixelFormatNV12, enc.SoftwarePixelFormat())
	require.Equal(t, types.PixelFormatNV12, enc.StreamParams().PixelFormat)

	_, err = enc.Encode(ctx, hostFrame(0))
	require.Error(t, err)

	var pkts []*packet.Packet
	for idx := int64(0); idx < 3; idx++ {
		hwFrame, err := pool.Upload(ctx, hostFrame(idx*16667))
		require.NoError(t, err)
		out, err := enc.Encode(ctx, hwFrame)
		require.NoError(t, err)
		pkts = append(pkts, out...)
	}
	require.Len(t, pkts, 2)
	require.Equal(t, uint(1), pool.InUse())

	flushed, err := enc.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	require.Equal(t, uint(0), pool.InUse())

	refs := dc.RefCount()
	require.NoError(t, enc.Close(ctx))
	require.Equal(t, refs-1, dc.RefCount())
	require.NoError(t, m.Close(ctx))
	require.True(t, dc.IsFreed())
}

func TestSetBitrate(t *testing.T) {
	ctx := testCtx(t)
	b := synthetic.New(synthetic.Config{})

	enc, err := New(ctx, b, Params{Config: softwareConfig()})
	require.NoError(t, err)
	defer enc.Close(ctx)

	out, err := enc.Encode(ctx, hostFrame(0))
	require.NoError(t, err)
	require.Len(t, out, 1)
	sizeBefore := len(out[0].Payload)

	require.NoError(t, enc.SetBitrate(ctx, 8_000_000))
	require.Equal(t, uint64(8_000_000), enc.Bitrate())
	require.Equal(t, uint64(8_000_000), enc.StreamParams().Bitrate)
	require.Error(t, enc.SetBitrate(ctx, 0))

	out2, err := enc.Encode(ctx, hostFrame(16667))
	require.NoError(t, err)
	require.Len(t, out2, 1)
	require.Greater(t, len(out2[0].Payload), sizeBefore)
	require.Equal(t, out[0].PTS+1, out2[0].PTS)
}

type stubSession struct {
	refuseOnce bool
	ready      []*packet.Packet
	sent       int
}

func (s *stubSession) SendFrame(ctx context.Context, f *frame.Frame) error {
	if f == nil {
		return nil
	}
	if s.refuseOnce {
		s.refuseOnce = false
		return backend.ErrAgain
	}
	s.sent++
	pkt := packet.New(0, f.TimeBase, []byte{1})
	pkt.PTS, pkt.DTS = f.PTS, f.PTS
	s.ready = append(s.ready, pkt)
	f.Release()
	return nil
}

func (s *stubSession) ReceivePacket(ctx context.Context) (*packet.Packet, error) {
	if len(s.ready) == 0 {
		return nil, backend.ErrAgain
	}
	pkt := s.ready[0]
	s.ready = s.ready[1:]
	return pkt, nil
}

func (s *stubSession) TimeBase() types.Rational                     { return types.NewRational(1, 60) }
func (s *stubSession) SetBitrate(ctx context.Context, _ uint64) error { return nil }
func (s *stubSession) StreamParams() backend.StreamParams            { return backend.StreamParams{} }
func (s *stubSession) Close() error                                  { return nil }

type stubFactory struct {
	session *stubSession
}

func (f stubFactory) NewEncoder(context.Context, backend.EncoderParams) (backend.EncoderSession, error) {
	return f.session, nil
}

func TestEncodeDrainsBeforeResend(t *testing.T) {
	ctx := testCtx(t)

	queued := packet.New(0, types.NewRational(1, 60), []byte{0})
	queued.PTS, queued.DTS = -1, -1
	session := &stubSession{refuseOnce: true, ready: []*packet.Packet{queued}}
	enc, err := New(ctx, stubFactory{session: session}, Params{Config: softwareConfig()})
	require.NoError(t, err)

	pkts, err := enc.Encode(ctx, hostFrame(0))
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	require.Equal(t, int64(-1), pkts[0].PTS)
	require.Equal(t, int64(0), pkts[1].PTS)
	require.Equal(t, 1, session.sent)

	session.refuseOnce = true
	_, err = enc.Encode(ctx, hostFrame(16667))
	var encErr types.ErrEncode
	require.ErrorAs(t, err, &encErr)
}
