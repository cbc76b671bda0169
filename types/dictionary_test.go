package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDictionaryItems(t *testing.T) {
	d := DictionaryItems{
		{Key: "preset", Value: "fast"},
		{Key: "b", Value: "1M"},
		{Key: "preset", Value: "ultrafast"},
	}

	v, ok := d.Get("preset")
	require.True(t, ok)
	require.Equal(t, "ultrafast", v)

	_, ok = d.Get("tune")
	require.False(t, ok)

	require.Equal(t, DictionaryItems{
		{Key: "b", Value: "1M"},
		{Key: "preset", Value: "ultrafast"},
	}, d.Deduplicate())

	d = d.Set("tune", "zerolatency").Set("b", "2M")
	require.Equal(t, "b=2M", d[1].Key+"="+d[1].Value)
	require.Equal(t, "preset=fast:b=2M:preset=ultrafast:tune=zerolatency", d.String())
}
