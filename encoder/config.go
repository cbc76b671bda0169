package encoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avscreencast/types"
)

const (
	DefaultCodecName = "libx264"
)

type Config struct {
	CodecName   string
	Preset      string
	Tune        string
	Bitrate     uint64
	PixelFormat types.PixelFormat
	Resolution  types.Resolution
	FrameRate   types.Rational
	GOPSize     int
	// MaxBFrames below zero keeps the codec default.
	MaxBFrames int
	// Options are passed to the codec as is.
	Options types.DictionaryItems
}

func DefaultConfig() Config {
	return Config{
		CodecName:  DefaultCodecName,
		MaxBFrames: -1,
	}
}

// ConfigFromDictionary parses ffmpeg-style encoder knobs. Unknown keys are
// kept as codec options; later duplicates override earlier ones.
func ConfigFromDictionary(items types.DictionaryItems) (Config, error) {
	cfg := DefaultConfig()
	for _, item := range items.Deduplicate() {
		value := strings.TrimSpace(item.Value)
		switch item.Key {
		case "codec", "c:v", "vcodec":
			cfg.CodecName = value
		case "preset":
			cfg.Preset = value
		case "tune":
			cfg.Tune = value
		case "b", "b:v", "bitrate":
			bitrate, err := ParseBitrate(value)
			if err != nil {
				return Config{}, fmt.Errorf("unable to parse the bitrate '%s': %w", value, err)
			}
			cfg.Bitrate = bitrate
		case "pix_fmt":
			cfg.PixelFormat = types.PixelFormat(value)
		case "s", "video_size":
			resolution, err := types.ParseResolution(value)
			if err != nil {
				return Config{}, fmt.Errorf("unable to parse the video size '%s': %w", value, err)
			}
			cfg.Resolution = resolution
		case "r", "framerate":
			frameRate, err := types.RationalFromString(value)
			if err != nil {
				return Config{}, fmt.Errorf("unable to parse the frame rate '%s': %w", value, err)
			}
			cfg.FrameRate = frameRate
		case "g":
			gop, err := strconv.Atoi(value)
			if err != nil || gop < 0 {
				return Config{}, fmt.Errorf("invalid GOP size '%s'", value)
			}
			cfg.GOPSize = gop
		case "bf":
			bf, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("invalid B-frames count '%s'", value)
			}
			cfg.MaxBFrames = bf
		default:
			cfg.Options = append(cfg.Options, types.DictionaryItem{Key: item.Key, Value: item.Value})
		}
	}
	if cfg.CodecName == "" {
		return Config{}, fmt.Errorf("the codec is not set")
	}
	return cfg, nil
}

// ParseBitrate accepts plain numbers and SI suffixes: "2000000", "2M", "2.5m", "800k".
func ParseBitrate(s string) (uint64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "bps")
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	bitrate, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if bitrate == 0 {
		return 0, fmt.Errorf("the bitrate cannot be zero")
	}
	return bitrate, nil
}

// CodecOptions are the options handed to the codec, including preset and tune.
func (cfg Config) CodecOptions() types.DictionaryItems {
	var result types.DictionaryItems
	if cfg.Preset != "" {
		result = append(result, types.DictionaryItem{Key: "preset", Value: cfg.Preset})
	}
	if cfg.Tune != "" {
		result = append(result, types.DictionaryItem{Key: "tune", Value: cfg.Tune})
	}
	result = append(result, cfg.Options...)
	return result.Deduplicate()
}
