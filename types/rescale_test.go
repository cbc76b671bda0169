package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRescaleTS(t *testing.T) {
	tb90k := NewRational(1, 90000)
	require.Equal(t, int64(3003), RescaleTS(1001, NewRational(1, 30000), tb90k))
	require.Equal(t, int64(1500), RescaleTS(1, NewRational(1, 60), tb90k))
	require.Equal(t, int64(7), RescaleTS(7, tb90k, tb90k))

	// halves are rounded away from zero
	require.Equal(t, int64(1), RescaleTS(1, NewRational(1, 2), NewRational(1, 1)))
	require.Equal(t, int64(-1), RescaleTS(-1, NewRational(1, 2), NewRational(1, 1)))
	require.Equal(t, int64(0), RescaleTS(1, NewRational(1, 3), NewRational(1, 1)))
	require.Equal(t, int64(1), RescaleTS(2, NewRational(1, 3), NewRational(1, 1)))

	require.Equal(t, NoPTS, RescaleTS(NoPTS, NewRational(1, 60), tb90k))
	require.Equal(t, int64(math.MaxInt64), RescaleTS(math.MaxInt64/2, NewRational(1, 1), NewRational(1, 90000)))
}

func TestRescaleTSDegenerateTimeBase(t *testing.T) {
	tb90k := NewRational(1, 90000)
	require.Equal(t, NoPTS, RescaleTS(100, tb90k, Rational{}))
	require.Equal(t, NoPTS, RescaleTS(100, Rational{Num: 1}, tb90k))
	require.Equal(t, NoPTS, RescaleTS(100, tb90k, Rational{Den: 25}))
	require.Equal(t, int64(0), RescaleTS(100, Rational{Den: 25}, tb90k))
}

func TestRescaleTSRoundTrip(t *testing.T) {
	from := NewRational(1, 60)
	to := NewRational(1, 90000)
	for ts := int64(0); ts < 1000; ts++ {
		require.Equal(t, ts, RescaleTS(RescaleTS(ts, from, to), to, from))
	}
}
