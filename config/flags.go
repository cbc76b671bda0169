package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/types"
)

// Flags are the command-line overrides; only flags set explicitly win
// over the config file.
type Flags struct {
	flagSet *pflag.FlagSet

	LogLevel          *string
	Display           *string
	Driver            *string
	FrameRate         *string
	DrawMouse         *bool
	ProbeSize         *string
	LowLatency        *string
	VideoSize         *string
	Offset            *string
	Codec             *string
	Preset            *string
	Tune              *string
	Bitrate           *string
	PixelFormat       *string
	Scale             *string
	OutputFrameRate   *string
	GOP               *int
	BFrames           *int
	EncoderOptions    *[]string
	HWDeviceType      *string
	HWDevice          *string
	HWPoolSize        *uint
	Format            *string
	MuxerOptions      *[]string
	TelemetryWindow   *int
	MetricsListenAddr *string
}

func RegisterFlags(fs *pflag.FlagSet) *Flags {
	def := Default()
	return &Flags{
		flagSet:           fs,
		LogLevel:          fs.String("log-level", def.LogLevel, "logging level: trace, debug, info, warning, error, panic, fatal"),
		Display:           fs.String("display", def.Capture.Display, "the display/screen to capture; empty means the default one"),
		Driver:            fs.String("driver", def.Capture.Driver, "the capture input format; empty means the platform default"),
		FrameRate:         fs.String("framerate", def.Capture.FrameRate, "the capture frame rate, e.g. 60 or 30000/1001"),
		DrawMouse:         fs.Bool("draw-mouse", def.Capture.DrawMouse, "draw the mouse cursor"),
		ProbeSize:         fs.String("probesize", def.Capture.ProbeSize, "the capture probe size, e.g. 32M"),
		LowLatency:        fs.String("low-latency", def.Capture.LowLatency, "low-latency flags: nobuffer,discardcorrupt,direct"),
		VideoSize:         fs.String("video-size", def.Capture.VideoSize, "the captured region size, e.g. 1280x720"),
		Offset:            fs.String("offset", "", "the captured region offset, e.g. 100,200"),
		Codec:             fs.String("vcodec", def.Encoder.Codec, "the encoder name"),
		Preset:            fs.String("preset", def.Encoder.Preset, "the encoder preset"),
		Tune:              fs.String("tune", def.Encoder.Tune, "the encoder tuning"),
		Bitrate:           fs.String("bitrate", def.Encoder.Bitrate, "the target bitrate, e.g. 4M"),
		PixelFormat:       fs.String("pix-fmt", def.Encoder.PixelFormat, "the encoder input pixel format"),
		Scale:             fs.String("scale", def.Encoder.Scale, "the output resolution, e.g. 1280x720"),
		OutputFrameRate:   fs.String("output-framerate", def.Encoder.FrameRate, "the output frame rate"),
		GOP:               fs.Int("gop", def.Encoder.GOP, "the keyframe interval in frames; 0 keeps the encoder default"),
		BFrames:           fs.Int("bframes", -1, "the maximal amount of B-frames; -1 keeps the encoder default"),
		EncoderOptions:    fs.StringArray("encoder-option", nil, "an extra encoder option as key=value; can be repeated"),
		HWDeviceType:      fs.String("hwdevice-type", def.Hardware.DeviceType, "the hardware device type: vaapi, cuda, qsv, videotoolbox, ..."),
		HWDevice:          fs.String("hwdevice", def.Hardware.Device, "the hardware device, e.g. /dev/dri/renderD128"),
		HWPoolSize:        fs.Uint("hw-pool-size", def.Hardware.PoolSize, "the hardware frame pool capacity; 0 means automatic"),
		Format:            fs.String("format", def.Output.Format, "the output container format"),
		MuxerOptions:      fs.StringArray("muxer-option", nil, "an extra muxer option as key=value; can be repeated"),
		TelemetryWindow:   fs.Int("telemetry-window", def.Telemetry.Window, "the amount of frames per telemetry report"),
		MetricsListenAddr: fs.String("metrics-listen-addr", def.Telemetry.MetricsListenAddr, "an address to serve /metrics and /bitrate on"),
	}
}

func (f *Flags) changed(name string) bool {
	flag := f.flagSet.Lookup(name)
	return flag != nil && flag.Changed
}

// Apply overrides cfg with the explicitly set flags.
func (f *Flags) Apply(cfg *Config) error {
	setString := func(name string, dst *string, src *string) {
		if f.changed(name) {
			*dst = *src
		}
	}
	setString("log-level", &cfg.LogLevel, f.LogLevel)
	setString("display", &cfg.Capture.Display, f.Display)
	setString("driver", &cfg.Capture.Driver, f.Driver)
	setString("framerate", &cfg.Capture.FrameRate, f.FrameRate)
	setString("probesize", &cfg.Capture.ProbeSize, f.ProbeSize)
	setString("low-latency", &cfg.Capture.LowLatency, f.LowLatency)
	setString("video-size", &cfg.Capture.VideoSize, f.VideoSize)
	setString("vcodec", &cfg.Encoder.Codec, f.Codec)
	setString("preset", &cfg.Encoder.Preset, f.Preset)
	setString("tune", &cfg.Encoder.Tune, f.Tune)
	setString("bitrate", &cfg.Encoder.Bitrate, f.Bitrate)
	setString("pix-fmt", &cfg.Encoder.PixelFormat, f.PixelFormat)
	setString("scale", &cfg.Encoder.Scale, f.Scale)
	setString("output-framerate", &cfg.Encoder.FrameRate, f.OutputFrameRate)
	setString("hwdevice-type", &cfg.Hardware.DeviceType, f.HWDeviceType)
	setString("hwdevice", &cfg.Hardware.Device, f.HWDevice)
	setString("format", &cfg.Output.Format, f.Format)
	setString("metrics-listen-addr", &cfg.Telemetry.MetricsListenAddr, f.MetricsListenAddr)

	if f.changed("draw-mouse") {
		cfg.Capture.DrawMouse = *f.DrawMouse
	}
	if f.changed("offset") {
		offset, err := parseOffset(*f.Offset)
		if err != nil {
			return fmt.Errorf("--offset: %w", err)
		}
		cfg.Capture.Offset = offset
	}
	if f.changed("gop") {
		cfg.Encoder.GOP = *f.GOP
	}
	if f.changed("bframes") {
		bf := *f.BFrames
		cfg.Encoder.BFrames = &bf
	}
	if f.changed("encoder-option") {
		opts, err := parseKeyValues(*f.EncoderOptions)
		if err != nil {
			return fmt.Errorf("--encoder-option: %w", err)
		}
		cfg.Encoder.Options = append(cfg.Encoder.Options, opts...)
	}
	if f.changed("hw-pool-size") {
		cfg.Hardware.PoolSize = *f.HWPoolSize
	}
	if f.changed("muxer-option") {
		opts, err := parseKeyValues(*f.MuxerOptions)
		if err != nil {
			return fmt.Errorf("--muxer-option: %w", err)
		}
		cfg.Output.Options = append(cfg.Output.Options, opts...)
	}
	if f.changed("telemetry-window") {
		cfg.Telemetry.Window = *f.TelemetryWindow
	}
	return nil
}

func parseOffset(s string) (*capture.Offset, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("expected 'X,Y', got '%s'", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return nil, fmt.Errorf("invalid X '%s': %w", xs, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return nil, fmt.Errorf("invalid Y '%s': %w", ys, err)
	}
	return &capture.Offset{X: x, Y: y}, nil
}

func parseKeyValues(items []string) (types.DictionaryItems, error) {
	var result types.DictionaryItems
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected 'key=value', got '%s'", item)
		}
		result = append(result, types.DictionaryItem{Key: key, Value: value})
	}
	return result, nil
}
