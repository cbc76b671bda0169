package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

type muxer struct {
	formatContext *astiav.FormatContext
	dictionary    *astiav.Dictionary
	url           string
	streams       []*astiav.Stream
	closer        *astikit.Closer
}

func (*Backend) OpenOutput(
	ctx context.Context,
	params backend.OutputParams,
) (_ backend.MuxerSession, _err error) {
	logger.Tracef(ctx, "OpenOutput('%s', '%s')", params.URL, params.Format)
	defer func() { logger.Tracef(ctx, "/OpenOutput('%s', '%s'): %v", params.URL, params.Format, _err) }()

	url := params.URL
	if url == "-" {
		url = "pipe:1"
	}
	m := &muxer{
		url:        url,
		dictionary: newDictionary(ctx, params.Options),
		closer:     astikit.NewCloser(),
	}
	formatContext, err := astiav.AllocOutputFormatContext(nil, params.Format, url)
	if err != nil {
		return nil, fmt.Errorf("allocating output format context failed using URL '%s': %w", url, err)
	}
	if formatContext == nil {
		return nil, fmt.Errorf("unable to allocate the output format context")
	}
	m.formatContext = formatContext
	m.closer.Add(formatContext.Free)
	logger.Debugf(ctx, "output format name: '%s'", formatContext.OutputFormat().Name())
	return m, nil
}

func (m *muxer) AddStream(ctx context.Context, params backend.StreamParams) (int, error) {
	cp, ok := params.Native.(*astiav.CodecParameters)
	if !ok || cp == nil {
		return 0, fmt.Errorf("the stream parameters were not produced by libav (%T)", params.Native)
	}
	s := m.formatContext.NewStream(nil)
	if s == nil {
		return 0, fmt.Errorf("unable to create an output stream")
	}
	if err := cp.Copy(s.CodecParameters()); err != nil {
		return 0, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	s.SetTimeBase(rationalToAstiav(params.TimeBase))
	m.streams = append(m.streams, s)
	return s.Index(), nil
}

func (m *muxer) WriteHeader(ctx context.Context) ([]types.Rational, error) {
	if !m.formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioContext, err := astiav.OpenIOContext(
			m.url,
			astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
			nil,
			m.dictionary,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to open IO context (URL: '%s'): %w", m.url, err)
		}
		m.closer.AddWithError(ioContext.Close)
		m.formatContext.SetPb(ioContext)
	}
	if err := m.formatContext.WriteHeader(m.dictionary); err != nil {
		return nil, fmt.Errorf("unable to write the header: %w", err)
	}
	result := make([]types.Rational, len(m.streams))
	for idx, s := range m.streams {
		result[idx] = rationalFromAstiav(s.TimeBase())
	}
	return result, nil
}

func (m *muxer) WriteInterleaved(ctx context.Context, pkt *packet.Packet) error {
	native, err := nativePacket(pkt)
	if err != nil {
		return err
	}
	return m.formatContext.WriteInterleavedFrame(native)
}

func (m *muxer) WriteTrailer(ctx context.Context) error {
	return m.formatContext.WriteTrailer()
}

func (m *muxer) Close() error {
	return m.closer.Close()
}
