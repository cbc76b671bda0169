package synthetic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/packet"
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

func TestSourceAndDecoder(t *testing.T) {
	ctx := context.Background()
	b := New(Config{Frames: 3, ExtraStreams: 1, DecoderLatency: 1})

	demuxer, err := b.OpenInput(ctx, backend.InputParams{
		Options: types.DictionaryItems{{Key: "framerate", Value: "60"}},
	})
	require.NoError(t, err)
	streams := demuxer.Streams()
	require.Len(t, streams, 2)
	require.Equal(t, backend.MediaTypeVideo, streams[0].MediaType)
	require.Equal(t, DefaultResolution.Width, streams[0].Width)

	dec, err := b.NewDecoder(ctx, streams[0])
	require.NoError(t, err)

	var videoPackets, dataPackets int
	var frames []*frame.Frame
	for {
		pkt, err := demuxer.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if pkt.StreamIndex != 0 {
			dataPackets++
			continue
		}
		videoPackets++
		require.Equal(t, int64(16667), pkt.Duration)
		require.NoError(t, dec.SendPacket(ctx, pkt))
		for {
			f, err := dec.ReceiveFrame(ctx)
			if errors.Is(err, backend.ErrAgain) {
				break
			}
			require.NoError(t, err)
			frames = append(frames, f)
		}
	}
	require.Equal(t, 3, videoPackets)
	require.Equal(t, 3, dataPackets)
	require.Len(t, frames, 2)

	require.NoError(t, dec.SendPacket(ctx, nil))
	f, err := dec.ReceiveFrame(ctx)
	require.NoError(t, err)
	frames = append(frames, f)
	_, err = dec.ReceiveFrame(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, []int64{0, 16667, 33333}, []int64{frames[0].PTS, frames[1].PTS, frames[2].PTS})
	require.NotNil(t, frames[2].Image)
}

func TestFilterFrameRate(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	s, err := b.NewFilterSession(ctx, backend.FilterChain{
		Steps: []backend.FilterStep{
			{Kind: backend.FilterStepKindFormat, PixelFormat: types.PixelFormatNV12},
			{Kind: backend.FilterStepKindScale, Resolution: types.Resolution{Width: 16, Height: 8}},
			{Kind: backend.FilterStepKindFrameRate, FrameRate: types.NewRational(30, 1)},
		},
	})
	require.NoError(t, err)

	tb := types.NewRational(1, 60)
	var out []*frame.Frame
	for _, pts := range []int64{0, 1, 2, 3, 8} {
		f := frame.New(32, 16, types.PixelFormatBGR0, pts, tb)
		f.Image = renderPattern(uint64(pts), 32, 16)
		require.NoError(t, s.Push(ctx, f))
		for {
			f, err := s.Pull(ctx)
			if errors.Is(err, backend.ErrAgain) {
				break
			}
			require.NoError(t, err)
			out = append(out, f)
		}
	}

	var pts []int64
	for _, f := range out {
		pts = append(pts, f.PTS)
		require.Equal(t, types.NewRational(1, 30), f.TimeBase)
		require.Equal(t, types.PixelFormatNV12, f.PixelFormat)
		require.Equal(t, uint32(16), f.Width)
		require.Equal(t, 16, f.Image.Bounds().Dx())
	}
	// 60->30 fps: pts 2 lands on the already emitted slot 1 and is dropped, pts 8 also fills slot 3
	require.Equal(t, []int64{0, 1, 2, 3, 4}, pts)

	require.NoError(t, s.Push(ctx, nil))
	_, err = s.Pull(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestEncoderLookaheadAndMuxer(t *testing.T) {
	ctx := context.Background()
	out := &bufferCloser{}
	b := New(Config{
		EncoderLookahead: 2,
		Output:           func(string) (io.WriteCloser, error) { return out, nil },
	})

	enc, err := b.NewEncoder(ctx, backend.EncoderParams{
		CodecName:   "libx264",
		Width:       32,
		Height:      16,
		PixelFormat: types.PixelFormatNV12,
		FrameRate:   types.NewRational(60, 1),
		Bitrate:     960_000,
	})
	require.NoError(t, err)
	require.Equal(t, types.NewRational(1, 60), enc.TimeBase())

	mux, err := b.OpenOutput(ctx, backend.OutputParams{URL: "out.ts", Format: "mpegts"})
	require.NoError(t, err)
	idx, err := mux.AddStream(ctx, enc.StreamParams())
	require.NoError(t, err)
	tbs, err := mux.WriteHeader(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Rational{types.NewRational(1, 90000)}, tbs)

	var packets []*packet.Packet
	receive := func() {
		for {
			pkt, err := enc.ReceivePacket(ctx)
			if errors.Is(err, backend.ErrAgain) || errors.Is(err, io.EOF) {
				return
			}
			require.NoError(t, err)
			packets = append(packets, pkt)
		}
	}
	for pts := int64(0); pts < 5; pts++ {
		require.NoError(t, enc.SendFrame(ctx, frame.New(32, 16, types.PixelFormatNV12, pts, types.NewRational(1, 60))))
		receive()
	}
	require.Len(t, packets, 3)
	require.Equal(t, int64(2), b.FramesHeldByEncoders())
	require.Error(t, enc.SendFrame(ctx, frame.New(32, 16, types.PixelFormatNV12, 4, types.NewRational(1, 60))))
	require.Error(t, enc.SendFrame(ctx, frame.New(32, 16, types.PixelFormatBGR0, 5, types.NewRational(1, 60))))

	require.NoError(t, enc.SetBitrate(ctx, 1_920_000))
	require.NoError(t, enc.SendFrame(ctx, nil))
	receive()
	require.Len(t, packets, 5)
	require.Zero(t, b.FramesHeldByEncoders())
	require.Equal(t, 2000, len(packets[0].Payload))
	require.Equal(t, 4000, len(packets[4].Payload))

	for _, pkt := range packets {
		pkt.StreamIndex = idx
		pkt.RescaleTS(tbs[idx])
		require.NoError(t, mux.WriteInterleaved(ctx, pkt))
	}
	require.NoError(t, mux.WriteTrailer(ctx))
	require.NoError(t, mux.Close())
	require.True(t, out.closed)

	c, err := ReadContainer(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	require.Len(t, c.Streams, 1)
	require.Equal(t, "libx264", c.Streams[0].CodecName)
	require.Equal(t, types.NewRational(1, 90000), c.Streams[0].TimeBase)
	require.Len(t, c.Packets, 5)
	require.True(t, c.HasTrailer)
	require.Equal(t, uint64(5), c.TrailerPacketCount)
	require.Equal(t, int64(1500), c.Packets[1].PTS)
	require.True(t, c.Packets[0].Keyframe)
}

func TestMuxerInterleavesByDTS(t *testing.T) {
	ctx := context.Background()
	out := &bufferCloser{}
	b := New(Config{Output: func(string) (io.WriteCloser, error) { return out, nil }})
	mux, err := b.OpenOutput(ctx, backend.OutputParams{URL: "x", Format: FormatName})
	require.NoError(t, err)
	_, err = mux.AddStream(ctx, backend.StreamParams{CodecName: "a", TimeBase: types.NewRational(1, 1000)})
	require.NoError(t, err)
	_, err = mux.AddStream(ctx, backend.StreamParams{CodecName: "b", TimeBase: types.NewRational(1, 90000)})
	require.NoError(t, err)
	_, err = mux.WriteHeader(ctx)
	require.NoError(t, err)

	write := func(stream int, tb types.Rational, dts int64) {
		pkt := packet.New(stream, tb, []byte{1})
		pkt.PTS, pkt.DTS = dts, dts
		require.NoError(t, mux.WriteInterleaved(ctx, pkt))
	}
	write(0, types.NewRational(1, 1000), 0)
	write(0, types.NewRational(1, 1000), 20)
	write(1, types.NewRational(1, 90000), 900)  // 10ms
	write(1, types.NewRational(1, 90000), 2700) // 30ms
	require.NoError(t, mux.WriteTrailer(ctx))

	c, err := ReadContainer(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	var order []int
	for _, p := range c.Packets {
		order = append(order, p.StreamIndex)
	}
	require.Equal(t, []int{0, 1, 0, 1}, order)
}

func TestMuxerWriteFault(t *testing.T) {
	ctx := context.Background()
	out := &bufferCloser{}
	b := New(Config{
		Output: func(string) (io.WriteCloser, error) { return out, nil },
		Faults: Faults{MuxWriteFailAfter: 1},
	})
	mux, err := b.OpenOutput(ctx, backend.OutputParams{URL: "x"})
	require.NoError(t, err)
	_, err = mux.AddStream(ctx, backend.StreamParams{CodecName: "a", TimeBase: types.NewRational(1, 60)})
	require.NoError(t, err)
	_, err = mux.WriteHeader(ctx)
	require.NoError(t, err)

	pkt := packet.New(0, types.NewRational(1, 60), []byte{1})
	pkt.PTS, pkt.DTS = 0, 0
	require.NoError(t, mux.WriteInterleaved(ctx, pkt))
	pkt.PTS, pkt.DTS = 1, 1
	require.Error(t, mux.WriteInterleaved(ctx, pkt))
	require.NoError(t, mux.WriteTrailer(ctx))

	c, err := ReadContainer(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	require.Len(t, c.Packets, 1)
	require.True(t, c.HasTrailer)
}
