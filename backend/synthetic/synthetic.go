// Package synthetic is a pure-Go backend generating a test-pattern desktop.
//
// It simulates codec latency, encoder lookahead, a hardware device with a
// limited number of surfaces and a simple framed container, so the whole
// pipeline can run without libav or a display.
package synthetic

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/types"
	"go.uber.org/atomic"
)

const (
	CodecNameRawPattern = "rawpattern"
	DriverName          = "synthetic"
	FormatName          = "avsc"
)

var (
	DefaultResolution  = types.Resolution{Width: 320, Height: 180}
	DefaultPixelFormat = types.PixelFormatBGR0
)

// Faults injects failures into the backend.
type Faults struct {
	OpenInput          error
	OpenHardwareDevice error
	NewEncoder         error
	OpenOutput         error

	// The *FailAfter faults fail every call after this many succeeded; 0 disables.
	CaptureFailAfter  int
	DecodeFailAfter   int
	EncodeFailAfter   int
	MuxWriteFailAfter int
}

type Config struct {
	// Frames is the number of frames to capture; 0 means until cancelled.
	Frames uint64

	Resolution  types.Resolution
	PixelFormat types.PixelFormat

	// RealTime paces the capture at the requested frame rate.
	RealTime bool

	// ExtraStreams adds non-video streams to the capture input.
	ExtraStreams int

	DecoderLatency   int
	EncoderLookahead int

	// Output opens the output for a URL other than "-"; defaults to os.Create.
	Output func(url string) (io.WriteCloser, error)

	Faults Faults
}

type Backend struct {
	Config Config

	devicesOpen  atomic.Int64
	surfacesLive atomic.Int64
	framesLive   atomic.Int64
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.Resolution.IsZero() {
		cfg.Resolution = DefaultResolution
	}
	if cfg.PixelFormat == types.PixelFormatNone {
		cfg.PixelFormat = DefaultPixelFormat
	}
	return &Backend{Config: cfg}
}

func (b *Backend) Name() string {
	return DriverName
}

// DevicesOpen is the number of simulated hardware devices not closed yet.
func (b *Backend) DevicesOpen() int64 {
	return b.devicesOpen.Load()
}

// SurfacesLive is the number of simulated hardware surfaces not released yet.
func (b *Backend) SurfacesLive() int64 {
	return b.surfacesLive.Load()
}

// FramesHeldByEncoders is the number of frames buffered inside encoder sessions.
func (b *Backend) FramesHeldByEncoders() int64 {
	return b.framesLive.Load()
}

func (b *Backend) OpenOutput(
	ctx context.Context,
	params backend.OutputParams,
) (backend.MuxerSession, error) {
	if err := b.Config.Faults.OpenOutput; err != nil {
		return nil, err
	}

	var w io.WriteCloser
	switch {
	case params.URL == "-":
		w = nopCloser{Writer: os.Stdout}
	case b.Config.Output != nil:
		var err error
		w, err = b.Config.Output(params.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to open '%s': %w", params.URL, err)
		}
	default:
		f, err := os.Create(params.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to open '%s': %w", params.URL, err)
		}
		w = f
	}
	return newMuxer(b, params, w), nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
