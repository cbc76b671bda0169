package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRationalFromString(t *testing.T) {
	for input, expected := range map[string]Rational{
		"30000/1001": {Num: 30000, Den: 1001},
		"60":         {Num: 60, Den: 1},
		" 1/90000 ":  {Num: 1, Den: 90000},
		"29.97":      {Num: 2997, Den: 100},
	} {
		t.Run(input, func(t *testing.T) {
			r, err := RationalFromString(input)
			require.NoError(t, err)
			require.Equal(t, expected, r)
		})
	}

	for _, input := range []string{"", "1/0", "abc", "1/x"} {
		t.Run("invalid_"+input, func(t *testing.T) {
			_, err := RationalFromString(input)
			require.Error(t, err)
		})
	}
}

func TestRationalEqual(t *testing.T) {
	require.True(t, NewRational(1, 30).Equal(NewRational(2, 60)))
	require.False(t, NewRational(1, 30).Equal(NewRational(1, 60)))
	require.Error(t, NewRational(1, 0).Validate())
	require.Equal(t, NewRational(60, 1), NewRational(1, 60).Reverse())
}

func TestRationalText(t *testing.T) {
	var r Rational
	require.NoError(t, r.UnmarshalText([]byte("1/60")))
	b, err := r.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1/60", string(b))
}
