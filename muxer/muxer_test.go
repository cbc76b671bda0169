package muxer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/backend/synthetic"
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

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { belt.Flush(ctx) })
	return ctx
}

func newBackend(out *bufferCloser, faults synthetic.Faults) *synthetic.Backend {
	return synthetic.New(synthetic.Config{
		Output: func(string) (io.WriteCloser, error) { return out, nil },
		Faults: faults,
	})
}

var videoStream = backend.StreamParams{
	CodecName: "rawpattern",
	Width:     320,
	Height:    180,
	TimeBase:  types.NewRational(1, 60),
}

func videoPacket(tb types.Rational, pts int64) *packet.Packet {
	pkt := packet.New(0, tb, make([]byte, 32))
	pkt.PTS, pkt.DTS = pts, pts
	return pkt
}

func TestMuxerLifecycle(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	m, err := Open(ctx, newBackend(out, synthetic.Faults{}), Params{URL: "out.ts"})
	require.NoError(t, err)
	require.Equal(t, DefaultFormat, m.Format())

	err = m.WritePacket(ctx, videoPacket(videoStream.TimeBase, 0))
	require.ErrorIs(t, err, ErrHeaderNotWritten)

	idx, err := m.AddStream(ctx, videoStream)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	timeBases, err := m.WriteHeader(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Rational{types.NewRational(1, 90000)}, timeBases)
	require.True(t, m.HeaderWritten())

	_, err = m.WriteHeader(ctx)
	require.ErrorIs(t, err, ErrHeaderAlreadyWritten)
	_, err = m.AddStream(ctx, videoStream)
	require.ErrorIs(t, err, ErrHeaderAlreadyWritten)

	tb := m.StreamTimeBase(0)
	err = m.WritePacket(ctx, videoPacket(videoStream.TimeBase, 0))
	var muxErr types.ErrMuxWrite
	require.ErrorAs(t, err, &muxErr)

	for idx := int64(0); idx < 3; idx++ {
		require.NoError(t, m.WritePacket(ctx, videoPacket(tb, idx*1500)))
	}
	err = m.WritePacket(ctx, videoPacket(tb, 1500))
	require.ErrorAs(t, err, &muxErr)

	require.NoError(t, m.WriteTrailer(ctx))
	err = m.WriteTrailer(ctx)
	require.ErrorIs(t, err, ErrTrailerAlreadyWritten)
	require.ErrorAs(t, err, &muxErr)
	require.True(t, m.TrailerWritten())
	require.Equal(t, uint64(3), m.PacketsWritten())
	require.Equal(t, uint64(96), m.BytesWritten())

	require.NoError(t, m.Close(ctx))
	require.True(t, out.closed)

	container, err := synthetic.ReadContainer(&out.Buffer)
	require.NoError(t, err)
	require.Len(t, container.Streams, 1)
	require.Len(t, container.Packets, 3)
	require.True(t, container.HasTrailer)
	require.Equal(t, uint64(3), container.TrailerPacketCount)
}

func TestMuxerWriteFailure(t *testing.T) {
	ctx := testCtx(t)
	out := &bufferCloser{}
	m, err := Open(ctx, newBackend(out, synthetic.Faults{MuxWriteFailAfter: 2}), Params{URL: "out.flv", Format: "flv"})
	require.NoError(t, err)
	defer m.Close(ctx)

	_, err = m.AddStream(ctx, videoStream)
	require.NoError(t, err)
	timeBases, err := m.WriteHeader(ctx)
	require.NoError(t, err)
	require.Equal(t, types.NewRational(1, 1000), timeBases[0])

	require.NoError(t, m.WritePacket(ctx, videoPacket(timeBases[0], 0)))
	require.NoError(t, m.WritePacket(ctx, videoPacket(timeBases[0], 17)))
	err = m.WritePacket(ctx, videoPacket(timeBases[0], 33))
	require.Error(t, err)
	require.Equal(t, types.ErrorClassRuntime, types.Classify(err))
	require.True(t, types.Classify(err).IsFatal())
	require.Equal(t, uint64(2), m.PacketsWritten())
}

func TestOpenFailure(t *testing.T) {
	ctx := testCtx(t)
	_, err := Open(ctx, newBackend(&bufferCloser{}, synthetic.Faults{OpenOutput: errors.New("permission denied")}), Params{URL: "/root/out.ts"})
	var muxErr types.ErrMuxWrite
	require.ErrorAs(t, err, &muxErr)

	_, err = Open(ctx, newBackend(&bufferCloser{}, synthetic.Faults{}), Params{})
	require.ErrorAs(t, err, &muxErr)
}
