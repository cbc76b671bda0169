// Package backend declares the codec capabilities the pipeline stages consume.
//
// A backend opens capture inputs, provides decoder, filter, encoder and muxer
// sessions, and opens hardware devices. Sessions follow the send/receive
// discipline of libav: a send may report ErrAgain, in which case all ready
// output must be received before the send is retried; a receive reports
// ErrAgain when no output is ready and io.EOF after a flush has completed.
package backend

import (
	"context"
	"errors"

	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

// ErrAgain means the session needs the other side to be drained first.
var ErrAgain = errors.New("resource temporarily unavailable, try again")

type Backend interface {
	Name() string
	InputOpener
	HardwareDeviceOpener
	NewDecoder(ctx context.Context, stream StreamInfo) (DecoderSession, error)
	NewFilterSession(ctx context.Context, chain FilterChain) (FilterSession, error)
	NewEncoder(ctx context.Context, params EncoderParams) (EncoderSession, error)
	OpenOutput(ctx context.Context, params OutputParams) (MuxerSession, error)
}

type InputOpener interface {
	OpenInput(ctx context.Context, params InputParams) (Demuxer, error)
}

type HardwareDeviceOpener interface {
	OpenHardwareDevice(
		ctx context.Context,
		deviceType types.HardwareDeviceType,
		deviceName types.HardwareDeviceName,
	) (HardwareDevice, error)
}

type InputParams struct {
	// Driver is the input format name ("x11grab", "avfoundation", ...).
	Driver  string
	URL     string
	Options types.DictionaryItems
}

type MediaType int

const (
	MediaTypeUnknown = MediaType(iota)
	MediaTypeVideo
	MediaTypeAudio
	MediaTypeData
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	case MediaTypeData:
		return "data"
	}
	return "unknown"
}

type StreamInfo struct {
	Index       int
	MediaType   MediaType
	CodecName   string
	Width       uint32
	Height      uint32
	PixelFormat types.PixelFormat
	TimeBase    types.Rational
	FrameRate   types.Rational

	// Native is the backend-specific stream handle.
	Native any
}

type Demuxer interface {
	Streams() []StreamInfo
	// ReadPacket blocks until the next packet; io.EOF at the end of the input.
	ReadPacket(ctx context.Context) (*packet.Packet, error)
	Close() error
}

type DecoderSession interface {
	// SendPacket sends nil to start flushing.
	SendPacket(ctx context.Context, pkt *packet.Packet) error
	ReceiveFrame(ctx context.Context) (*frame.Frame, error)
	TimeBase() types.Rational
	Close() error
}

type FilterStepKind int

const (
	FilterStepKindUndefined = FilterStepKind(iota)
	FilterStepKindFormat
	FilterStepKindScale
	FilterStepKindFrameRate
)

func (k FilterStepKind) String() string {
	switch k {
	case FilterStepKindFormat:
		return "format"
	case FilterStepKindScale:
		return "scale"
	case FilterStepKindFrameRate:
		return "fps"
	}
	return "undefined"
}

type FilterStep struct {
	Kind        FilterStepKind
	PixelFormat types.PixelFormat
	Resolution  types.Resolution
	FrameRate   types.Rational
}

type FilterInput struct {
	Width       uint32
	Height      uint32
	PixelFormat types.PixelFormat
	TimeBase    types.Rational
	FrameRate   types.Rational
}

// FilterChain is a linear chain of host-memory transforms.
type FilterChain struct {
	Input FilterInput
	Steps []FilterStep
}

type FilterSession interface {
	// Push takes ownership of f unless it fails; nil starts flushing.
	Push(ctx context.Context, f *frame.Frame) error
	Pull(ctx context.Context) (*frame.Frame, error)
	Close() error
}

type HardwareDevice interface {
	Type() types.HardwareDeviceType
	NewFrames(ctx context.Context, params HardwareFramesParams) (HardwareFrames, error)
	Close() error
}

type HardwareFramesParams struct {
	HardwarePixelFormat types.PixelFormat
	SoftwarePixelFormat types.PixelFormat
	Width               uint32
	Height              uint32
	PoolSize            uint
}

// HardwareFrames is a backend buffer allocator bound to one device.
type HardwareFrames interface {
	// Upload copies a host frame into a new hardware surface. The returned
	// frame keeps src's timestamps; src is not released.
	Upload(ctx context.Context, src *frame.Frame) (*frame.Frame, error)
	Close() error
}

type EncoderParams struct {
	CodecName   string
	Width       uint32
	Height      uint32
	PixelFormat types.PixelFormat
	TimeBase    types.Rational
	FrameRate   types.Rational
	Bitrate     uint64
	GOPSize     int
	MaxBFrames  int
	Options     types.DictionaryItems

	// HardwareFrames is set when the encoder consumes hardware-resident frames.
	HardwareFrames HardwareFrames
}

type StreamParams struct {
	CodecName   string
	Width       uint32
	Height      uint32
	PixelFormat types.PixelFormat
	TimeBase    types.Rational
	Bitrate     uint64
	Extradata   []byte

	Native any
}

type EncoderSession interface {
	// SendFrame takes ownership of f unless it fails; nil starts flushing.
	SendFrame(ctx context.Context, f *frame.Frame) error
	ReceivePacket(ctx context.Context) (*packet.Packet, error)
	TimeBase() types.Rational
	SetBitrate(ctx context.Context, bitrate uint64) error
	StreamParams() StreamParams
	Close() error
}

type OutputParams struct {
	// URL is a file path, a protocol URL, or "-" for stdout.
	URL     string
	Format  string
	Options types.DictionaryItems
}

type MuxerSession interface {
	AddStream(ctx context.Context, params StreamParams) (int, error)
	// WriteHeader returns the time bases the container settled on, per stream.
	WriteHeader(ctx context.Context) ([]types.Rational, error)
	WriteInterleaved(ctx context.Context, pkt *packet.Packet) error
	WriteTrailer(ctx context.Context) error
	Close() error
}
