// Package config is the avscreencast configuration file with its command-line overrides.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/types"
)

type Config struct {
	LogLevel        string          `toml:"log_level"`
	Capture         CaptureConfig   `toml:"capture"`
	Encoder         EncoderConfig   `toml:"encoder"`
	Hardware        HardwareConfig  `toml:"hardware"`
	Output          OutputConfig    `toml:"output"`
	Telemetry       TelemetryConfig `toml:"telemetry"`
	BitrateSchedule []BitrateChange `toml:"bitrate_schedule,omitempty"`
}

type CaptureConfig struct {
	Display string `toml:"display"`
	Driver  string `toml:"driver"`
	// FrameRate is like "60" or "30000/1001".
	FrameRate string `toml:"framerate"`
	DrawMouse bool   `toml:"draw_mouse"`
	// ProbeSize accepts size suffixes, e.g. "32M".
	ProbeSize string `toml:"probesize"`
	// LowLatency is a comma-separated flag list, e.g. "nobuffer,discardcorrupt".
	LowLatency string          `toml:"low_latency"`
	VideoSize  string          `toml:"video_size"`
	Offset     *capture.Offset `toml:"offset,omitempty"`
}

type EncoderConfig struct {
	Codec       string                `toml:"codec"`
	Preset      string                `toml:"preset"`
	Tune        string                `toml:"tune"`
	Bitrate     string                `toml:"bitrate"`
	PixelFormat string                `toml:"pix_fmt"`
	Scale       string                `toml:"scale"`
	FrameRate   string                `toml:"framerate"`
	GOP         int                   `toml:"gop"`
	BFrames     *int                  `toml:"bframes,omitempty"`
	Options     types.DictionaryItems `toml:"options,omitempty"`
}

type HardwareConfig struct {
	DeviceType string `toml:"device_type"`
	Device     string `toml:"device"`
	PoolSize   uint   `toml:"pool_size"`
}

type OutputConfig struct {
	URL     string                `toml:"url"`
	Format  string                `toml:"format"`
	Options types.DictionaryItems `toml:"options,omitempty"`
}

type TelemetryConfig struct {
	Window            int    `toml:"window"`
	MetricsListenAddr string `toml:"metrics_listen_addr"`
}

type BitrateChange struct {
	AtFrame uint64 `toml:"at_frame"`
	Bitrate string `toml:"bitrate"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			FrameRate:  "60",
			DrawMouse:  true,
			LowLatency: "nobuffer",
		},
		Encoder: EncoderConfig{
			Codec:   "libx264",
			Preset:  "ultrafast",
			Tune:    "zerolatency",
			Bitrate: "4M",
		},
		Output: OutputConfig{
			URL:    "-",
			Format: "mpegts",
		},
		Telemetry: TelemetryConfig{
			Window: 60,
		},
	}
}

// Parse reads a TOML document on top of the defaults.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	d := toml.NewDecoder(r)
	d.DisallowUnknownFields()
	if err := d.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse the config: %w", err)
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read the config file '%s': %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(b))
	if err != nil {
		return Config{}, fmt.Errorf("'%s': %w", path, err)
	}
	return cfg, nil
}

func (cfg Config) WriteTo(w io.Writer) (int64, error) {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("unable to serialize the config: %w", err)
	}
	n, err := w.Write(b)
	return int64(n), err
}
