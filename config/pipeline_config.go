package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/encoder"
	"github.com/xaionaro-go/avscreencast/muxer"
	"github.com/xaionaro-go/avscreencast/pipeline"
	"github.com/xaionaro-go/avscreencast/types"
)

// PipelineConfig validates the configuration and converts it.
func (cfg Config) PipelineConfig() (pipeline.Config, error) {
	var result pipeline.Config

	captureOpts, err := cfg.Capture.options()
	if err != nil {
		return result, fmt.Errorf("[capture]: %w", err)
	}
	encCfg, err := encoder.ConfigFromDictionary(cfg.Encoder.Dictionary())
	if err != nil {
		return result, fmt.Errorf("[encoder]: %w", err)
	}
	hw, err := cfg.Hardware.pipelineConfig()
	if err != nil {
		return result, fmt.Errorf("[hardware]: %w", err)
	}
	schedule := make([]pipeline.BitrateChange, 0, len(cfg.BitrateSchedule))
	for idx, change := range cfg.BitrateSchedule {
		bitrate, err := encoder.ParseBitrate(change.Bitrate)
		if err != nil {
			return result, fmt.Errorf("[[bitrate_schedule]] #%d: %w", idx, err)
		}
		schedule = append(schedule, pipeline.BitrateChange{AtFrame: change.AtFrame, Bitrate: bitrate})
	}

	result = pipeline.Config{
		Target:   cfg.Capture.Display,
		Capture:  captureOpts,
		Encoder:  encCfg,
		Hardware: hw,
		Output: muxer.Params{
			URL:     cfg.Output.URL,
			Format:  cfg.Output.Format,
			Options: cfg.Output.Options,
		},
		TelemetryWindow: cfg.Telemetry.Window,
		BitrateSchedule: schedule,
	}
	if err := result.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return result, nil
}

func (c CaptureConfig) options() (capture.Options, error) {
	var opts capture.Options
	if c.FrameRate == "" {
		return opts, fmt.Errorf("the frame rate is not set")
	}
	frameRate, err := types.RationalFromString(c.FrameRate)
	if err != nil {
		return opts, fmt.Errorf("invalid frame rate: %w", err)
	}
	opts.FrameRate = frameRate
	opts.DrawMouseCursor = c.DrawMouse
	opts.Driver = c.Driver
	opts.Offset = c.Offset

	if c.ProbeSize != "" {
		opts.ProbeSize, err = humanize.ParseBytes(c.ProbeSize)
		if err != nil {
			return opts, fmt.Errorf("invalid probe size '%s': %w", c.ProbeSize, err)
		}
	}
	opts.LowLatencyFlags, err = capture.ParseLowLatencyFlags(c.LowLatency)
	if err != nil {
		return opts, err
	}
	if c.VideoSize != "" {
		opts.FixedResolution, err = types.ParseResolution(c.VideoSize)
		if err != nil {
			return opts, fmt.Errorf("invalid video size: %w", err)
		}
	}
	return opts, nil
}

// Dictionary renders the encoder section as flat ffmpeg-style knobs.
func (e EncoderConfig) Dictionary() types.DictionaryItems {
	result := types.DictionaryItems{{Key: "codec", Value: e.Codec}}
	add := func(key, value string) {
		if value != "" {
			result = append(result, types.DictionaryItem{Key: key, Value: value})
		}
	}
	add("preset", e.Preset)
	add("tune", e.Tune)
	add("b", e.Bitrate)
	add("pix_fmt", e.PixelFormat)
	add("s", e.Scale)
	add("r", e.FrameRate)
	if e.GOP > 0 {
		add("g", fmt.Sprint(e.GOP))
	}
	if e.BFrames != nil {
		add("bf", fmt.Sprint(*e.BFrames))
	}
	return append(result, e.Options...)
}

func (h HardwareConfig) pipelineConfig() (pipeline.HardwareConfig, error) {
	var result pipeline.HardwareConfig
	deviceType := strings.TrimSpace(h.DeviceType)
	if deviceType == "" || deviceType == "none" {
		if h.Device != "" {
			return result, fmt.Errorf("the device '%s' is set without a device type", h.Device)
		}
		return result, nil
	}
	t, err := types.HardwareDeviceTypeFromString(deviceType)
	if err != nil {
		return result, err
	}
	result.DeviceType = t
	result.DevicePath = types.HardwareDeviceName(h.Device)
	result.PoolSize = h.PoolSize
	return result, nil
}
