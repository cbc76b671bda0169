package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaionaro-go/avscreencast/types"
)

type LowLatencyFlag string

const (
	LowLatencyFlagNoBuffer       = LowLatencyFlag("nobuffer")
	LowLatencyFlagDiscardCorrupt = LowLatencyFlag("discardcorrupt")
	LowLatencyFlagDirect         = LowLatencyFlag("direct")
)

type LowLatencyFlags []LowLatencyFlag

func (s LowLatencyFlags) Has(flag LowLatencyFlag) bool {
	for _, f := range s {
		if f == flag {
			return true
		}
	}
	return false
}

// ParseLowLatencyFlags parses "nobuffer,discardcorrupt,direct".
func ParseLowLatencyFlags(s string) (LowLatencyFlags, error) {
	var result LowLatencyFlags
	for _, word := range strings.Split(s, ",") {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		flag := LowLatencyFlag(word)
		switch flag {
		case LowLatencyFlagNoBuffer, LowLatencyFlagDiscardCorrupt, LowLatencyFlagDirect:
		default:
			return nil, fmt.Errorf("unknown low-latency flag '%s'", word)
		}
		if !result.Has(flag) {
			result = append(result, flag)
		}
	}
	return result, nil
}

type Offset struct {
	X int `toml:"x"`
	Y int `toml:"y"`
}

type Options struct {
	// FrameRate is required.
	FrameRate       types.Rational
	DrawMouseCursor bool
	// ProbeSize is in bytes; 0 keeps the driver default.
	ProbeSize       uint64
	LowLatencyFlags LowLatencyFlags
	// FixedResolution is the capture size; zero means the whole screen.
	FixedResolution types.Resolution
	Offset          *Offset
	// Driver overrides the platform default input format.
	Driver string
}

func (o Options) Validate() error {
	if o.FrameRate.IsZero() {
		return fmt.Errorf("the capture frame rate is not set")
	}
	if err := o.FrameRate.Validate(); err != nil {
		return fmt.Errorf("invalid capture frame rate: %w", err)
	}
	return nil
}

// Dictionary renders the options as the capture driver's key/values.
func (o Options) Dictionary() types.DictionaryItems {
	var result types.DictionaryItems
	result = result.Set("framerate", o.FrameRate.String())
	result = result.Set("draw_mouse", boolToString(o.DrawMouseCursor))
	if o.ProbeSize > 0 {
		result = result.Set("probesize", strconv.FormatUint(o.ProbeSize, 10))
	}
	var fflags string
	for _, flag := range []LowLatencyFlag{LowLatencyFlagNoBuffer, LowLatencyFlagDiscardCorrupt} {
		if o.LowLatencyFlags.Has(flag) {
			fflags += "+" + string(flag)
		}
	}
	if fflags != "" {
		result = result.Set("fflags", fflags)
	}
	if o.LowLatencyFlags.Has(LowLatencyFlagDirect) {
		result = result.Set("avioflags", string(LowLatencyFlagDirect))
	}
	if !o.FixedResolution.IsZero() {
		result = result.Set("video_size", o.FixedResolution.String())
	}
	return result
}

func boolToString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
