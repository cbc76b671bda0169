package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/types"
)

func TestRescaleTS(t *testing.T) {
	p := New(0, types.NewRational(1, 1000), []byte{1})
	p.PTS, p.DTS, p.Duration = 1000, 990, 16

	p.RescaleTS(types.NewRational(1, 90000))
	require.Equal(t, int64(90000), p.PTS)
	require.Equal(t, int64(89100), p.DTS)
	require.Equal(t, int64(1440), p.Duration)
	require.Equal(t, types.NewRational(1, 90000), p.TimeBase)
}

func TestRescaleTSKeepsNoPTS(t *testing.T) {
	p := New(0, types.NewRational(1, 60), nil)
	p.PTS = 3
	p.RescaleTS(types.NewRational(1, 90000))
	require.Equal(t, int64(4500), p.PTS)
	require.Equal(t, types.NoPTS, p.DTS)
	require.Equal(t, int64(4500), p.DecodeTS())
}
