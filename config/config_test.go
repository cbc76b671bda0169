package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avscreencast/capture"
	"github.com/xaionaro-go/avscreencast/types"
)

const sampleConfig = `
log_level = "debug"

[capture]
display = ":1"
framerate = "30000/1001"
draw_mouse = false
probesize = "32M"
low_latency = "nobuffer,direct"
video_size = "1280x720"
offset = { x = 10, y = 20 }

[encoder]
codec = "h264_vaapi"
bitrate = "6Mbps"
scale = "640x360"
framerate = "30"
gop = 60
bframes = 0
options = [
	{ key = "async_depth", value = "4" },
]

[hardware]
device_type = "vaapi"
device = "/dev/dri/renderD128"
pool_size = 16

[output]
url = "out.ts"

[telemetry]
window = 30

[[bitrate_schedule]]
at_frame = 100
bitrate = "2M"
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":1", cfg.Capture.Display)
	assert.False(t, cfg.Capture.DrawMouse)
	assert.Equal(t, &capture.Offset{X: 10, Y: 20}, cfg.Capture.Offset)
	require.NotNil(t, cfg.Encoder.BFrames)
	assert.Equal(t, 0, *cfg.Encoder.BFrames)
	assert.Equal(t, "mpegts", cfg.Output.Format, "defaults are kept for missing keys")

	pcfg, err := cfg.PipelineConfig()
	require.NoError(t, err)

	assert.Equal(t, ":1", pcfg.Target)
	assert.Equal(t, types.NewRational(30000, 1001), pcfg.Capture.FrameRate)
	assert.Equal(t, uint64(32_000_000), pcfg.Capture.ProbeSize)
	assert.Equal(t, capture.LowLatencyFlags{capture.LowLatencyFlagNoBuffer, capture.LowLatencyFlagDirect}, pcfg.Capture.LowLatencyFlags)
	assert.Equal(t, types.Resolution{Width: 1280, Height: 720}, pcfg.Capture.FixedResolution)

	assert.Equal(t, "h264_vaapi", pcfg.Encoder.CodecName)
	assert.Equal(t, uint64(6_000_000), pcfg.Encoder.Bitrate)
	assert.Equal(t, types.Resolution{Width: 640, Height: 360}, pcfg.Encoder.Resolution)
	assert.Equal(t, types.NewRational(30, 1), pcfg.Encoder.FrameRate)
	assert.Equal(t, 60, pcfg.Encoder.GOPSize)
	assert.Equal(t, 0, pcfg.Encoder.MaxBFrames)
	v, ok := pcfg.Encoder.Options.Get("async_depth")
	assert.True(t, ok)
	assert.Equal(t, "4", v)

	assert.Equal(t, types.HardwareDeviceTypeVAAPI, pcfg.Hardware.DeviceType)
	assert.Equal(t, types.HardwareDeviceName("/dev/dri/renderD128"), pcfg.Hardware.DevicePath)
	assert.Equal(t, uint(16), pcfg.Hardware.PoolSize)

	assert.Equal(t, "out.ts", pcfg.Output.URL)
	assert.Equal(t, 30, pcfg.TelemetryWindow)
	require.Len(t, pcfg.BitrateSchedule, 1)
	assert.Equal(t, uint64(100), pcfg.BitrateSchedule[0].AtFrame)
	assert.Equal(t, uint64(2_000_000), pcfg.BitrateSchedule[0].Bitrate)
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse(strings.NewReader("[capture]\nfps = 30\n"))
	require.Error(t, err)
}

func TestDefaultPipelineConfig(t *testing.T) {
	pcfg, err := Default().PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, "libx264", pcfg.Encoder.CodecName)
	assert.Equal(t, "-", pcfg.Output.URL)
	assert.False(t, pcfg.Hardware.IsEnabled())
	assert.True(t, pcfg.Capture.DrawMouseCursor)
}

func TestPipelineConfigErrors(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bad_framerate":   func(c *Config) { c.Capture.FrameRate = "fast" },
		"empty_framerate": func(c *Config) { c.Capture.FrameRate = "" },
		"bad_probesize":   func(c *Config) { c.Capture.ProbeSize = "lots" },
		"bad_low_latency": func(c *Config) { c.Capture.LowLatency = "nobuffer,zerocopy" },
		"bad_video_size":  func(c *Config) { c.Capture.VideoSize = "big" },
		"empty_codec":     func(c *Config) { c.Encoder.Codec = "" },
		"zero_bitrate":    func(c *Config) { c.Encoder.Bitrate = "0" },
		"bad_device_type": func(c *Config) { c.Hardware.DeviceType = "quantum" },
		"device_no_type":  func(c *Config) { c.Hardware.Device = "/dev/dri/renderD128" },
		"empty_output":    func(c *Config) { c.Output.URL = "" },
		"bad_schedule": func(c *Config) {
			c.BitrateSchedule = []BitrateChange{{AtFrame: 1, Bitrate: "nope"}}
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			_, err := cfg.PipelineConfig()
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avscreencast.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "h264_vaapi", cfg.Encoder.Codec)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestWriteToRoundTrip(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = cfg.WriteTo(&buf)
	require.NoError(t, err)

	reparsed, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.Capture, reparsed.Capture)
	assert.Equal(t, cfg.Encoder, reparsed.Encoder)
	assert.Equal(t, cfg.Hardware, reparsed.Hardware)
	assert.Equal(t, cfg.BitrateSchedule, reparsed.BitrateSchedule)
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--bitrate", "1M",
		"--offset", "5,6",
		"--bframes", "2",
		"--encoder-option", "rc-lookahead=3",
		"--hw-pool-size", "8",
	}))

	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, flags.Apply(&cfg))

	assert.Equal(t, "1M", cfg.Encoder.Bitrate)
	assert.Equal(t, &capture.Offset{X: 5, Y: 6}, cfg.Capture.Offset)
	require.NotNil(t, cfg.Encoder.BFrames)
	assert.Equal(t, 2, *cfg.Encoder.BFrames)
	assert.Equal(t, uint(8), cfg.Hardware.PoolSize)
	assert.Len(t, cfg.Encoder.Options, 2)

	assert.Equal(t, "30000/1001", cfg.Capture.FrameRate, "an unset flag keeps the file value")
	assert.Equal(t, "h264_vaapi", cfg.Encoder.Codec)
	assert.False(t, cfg.Capture.DrawMouse)
	assert.Equal(t, 30, cfg.Telemetry.Window)
}

func TestFlagsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--offset", "5"},
		{"--offset", "a,b"},
		{"--encoder-option", "novalue"},
		{"--muxer-option", "=x"},
	} {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags := RegisterFlags(fs)
		require.NoError(t, fs.Parse(args))
		cfg := Default()
		require.Error(t, flags.Apply(&cfg), args)
	}
}
