package libav

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
)

func TestFilterDescription(t *testing.T) {
	require.Equal(t, "null", FilterDescription(nil))
	require.Equal(t,
		"format=pix_fmts=nv12,scale=w=1280:h=720,fps=fps=30/1",
		FilterDescription([]backend.FilterStep{
			{Kind: backend.FilterStepKindFormat, PixelFormat: types.PixelFormatNV12},
			{Kind: backend.FilterStepKindScale, Resolution: types.Resolution{Width: 1280, Height: 720}},
			{Kind: backend.FilterStepKindFrameRate, FrameRate: types.NewRational(30, 1)},
		}),
	)
}

func TestLogLevels(t *testing.T) {
	for _, level := range []logger.Level{
		logger.LevelError,
		logger.LevelWarning,
		logger.LevelInfo,
		logger.LevelDebug,
		logger.LevelTrace,
	} {
		require.Equal(t, level, LogLevelFromAstiav(LogLevelToAstiav(level)))
	}
	require.Equal(t, astiav.LogLevelQuiet, LogLevelToAstiav(logger.LevelUndefined))
}

func TestPixelFormatConversion(t *testing.T) {
	p, err := pixelFormatToAstiav(types.PixelFormatNV12)
	require.NoError(t, err)
	require.Equal(t, types.PixelFormatNV12, pixelFormatFromAstiav(p))

	_, err = pixelFormatToAstiav("no-such-format")
	require.Error(t, err)
}

func TestEncoderStreamParams(t *testing.T) {
	ctx := context.Background()
	session, err := New(ctx).NewEncoder(ctx, backend.EncoderParams{
		CodecName:   "rawvideo",
		Width:       64,
		Height:      32,
		PixelFormat: types.PixelFormatNV12,
		FrameRate:   types.NewRational(30, 1),
		MaxBFrames:  -1,
	})
	require.NoError(t, err)
	defer session.Close()

	params := session.StreamParams()
	cp, ok := params.Native.(*astiav.CodecParameters)
	require.True(t, ok)
	require.Equal(t, astiav.CodecIDRawvideo, cp.CodecID())
	require.Equal(t, 64, cp.Width())
	require.Same(t, cp, session.StreamParams().Native, "the parameters are copied once, when the encoder opens")
}
