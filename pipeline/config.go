package pipeline

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/encoder"
	"github.com/xaionaro-go/avscreencast/muxer"
	"github.com/xaionaro-go/avscreencast/types"
)

type HardwareConfig struct {
	DeviceType types.HardwareDeviceType
	DevicePath types.HardwareDeviceName
	// PoolSize zero picks a capacity fitting the encoder and filter depth.
	PoolSize uint
}

func (cfg HardwareConfig) IsEnabled() bool {
	return cfg.DeviceType != types.HardwareDeviceTypeNone
}

// BitrateChange sets the bitrate right before the frame AtFrame is encoded.
type BitrateChange struct {
	AtFrame uint64
	Bitrate uint64
}

type Config struct {
	Target  string
	Capture capture.Options
	// Encoder.Resolution and Encoder.FrameRate, when set, make the filter
	// graph scale and rate-convert.
	Encoder         encoder.Config
	Hardware        HardwareConfig
	Output          muxer.Params
	TelemetryWindow int
	BitrateSchedule []BitrateChange
}

func (cfg Config) Validate() error {
	if err := cfg.Capture.Validate(); err != nil {
		return err
	}
	if cfg.Encoder.CodecName == "" {
		return fmt.Errorf("the codec is not set")
	}
	if cfg.Output.URL == "" {
		return fmt.Errorf("the output is not set")
	}
	if cfg.Hardware.IsEnabled() && cfg.Hardware.DeviceType.HardwarePixelFormat() == types.PixelFormatNone {
		return fmt.Errorf("the hardware device type %s cannot hold frames", cfg.Hardware.DeviceType)
	}
	for _, change := range cfg.BitrateSchedule {
		if change.Bitrate == 0 {
			return fmt.Errorf("zero bitrate scheduled at frame %d", change.AtFrame)
		}
	}
	return nil
}

func (cfg Config) sortedSchedule() []BitrateChange {
	result := append([]BitrateChange(nil), cfg.BitrateSchedule...)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].AtFrame < result[j].AtFrame
	})
	return result
}

// softwarePixelFormat is the host format the graph converts into.
func (cfg Config) softwarePixelFormat() types.PixelFormat {
	if cfg.Encoder.PixelFormat != types.PixelFormatNone {
		return cfg.Encoder.PixelFormat
	}
	if cfg.Hardware.IsEnabled() {
		return types.PixelFormatNV12
	}
	return types.PixelFormatYUV420P
}

// encoderDelay estimates how many frames the encoder may hold.
func encoderDelay(cfg encoder.Config) uint {
	var delay uint
	if cfg.MaxBFrames > 0 {
		delay += uint(cfg.MaxBFrames)
	}
	for _, key := range []string{"rc-lookahead", "rc_lookahead", "look_ahead_depth", "async_depth"} {
		value, ok := cfg.Options.Get(key)
		if !ok {
			continue
		}
		if n, err := strconv.ParseUint(value, 10, 32); err == nil {
			delay += uint(n)
		}
	}
	return delay
}
