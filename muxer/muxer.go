// Package muxer writes encoded packets into the output container.
package muxer

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

const (
	DefaultFormat = "mpegts"
	// StdoutURL makes the container go to the standard output.
	StdoutURL = "-"
)

var (
	ErrHeaderAlreadyWritten  = errors.New("the header is already written")
	ErrHeaderNotWritten      = errors.New("the header is not written")
	ErrTrailerAlreadyWritten = errors.New("the trailer is already written")
)

type Opener interface {
	OpenOutput(ctx context.Context, params backend.OutputParams) (backend.MuxerSession, error)
}

type Params struct {
	URL     string
	Format  string
	Options types.DictionaryItems
}

type stream struct {
	params   backend.StreamParams
	timeBase types.Rational
	lastDTS  int64
	packets  uint64
}

type Stage struct {
	session backend.MuxerSession
	params  Params
	streams []*stream

	headerWritten  bool
	trailerWritten bool
	packetsWritten uint64
	bytesWritten   uint64
}

func Open(
	ctx context.Context,
	opener Opener,
	params Params,
) (_ret *Stage, _err error) {
	logger.Tracef(ctx, "Open(%s)", params.URL)
	defer func() { logger.Tracef(ctx, "/Open(%s): %v", params.URL, _err) }()

	if params.URL == "" {
		return nil, types.ErrMuxWrite{Err: errors.New("the output URL is not set")}
	}
	if params.Format == "" {
		params.Format = DefaultFormat
	}
	session, err := opener.OpenOutput(ctx, backend.OutputParams{
		URL:     params.URL,
		Format:  params.Format,
		Options: params.Options,
	})
	if err != nil {
		return nil, types.ErrMuxWrite{Err: fmt.Errorf("unable to open the output '%s' (%s): %w", params.URL, params.Format, err)}
	}
	return &Stage{
		session: session,
		params:  params,
	}, nil
}

func (s *Stage) Format() string {
	return s.params.Format
}

func (s *Stage) AddStream(
	ctx context.Context,
	params backend.StreamParams,
) (_ret int, _err error) {
	logger.Tracef(ctx, "AddStream(%s)", params.CodecName)
	defer func() { logger.Tracef(ctx, "/AddStream(%s): %d %v", params.CodecName, _ret, _err) }()

	if s.headerWritten {
		return -1, types.ErrMuxWrite{Err: fmt.Errorf("cannot add a stream: %w", ErrHeaderAlreadyWritten)}
	}
	idx, err := s.session.AddStream(ctx, params)
	if err != nil {
		return -1, types.ErrMuxWrite{Err: fmt.Errorf("unable to add the %s stream: %w", params.CodecName, err)}
	}
	if idx != len(s.streams) {
		return -1, types.ErrMuxWrite{Err: fmt.Errorf("the container assigned index %d, expected %d", idx, len(s.streams))}
	}
	s.streams = append(s.streams, &stream{
		params:   params,
		timeBase: params.TimeBase,
		lastDTS:  types.NoPTS,
	})
	return idx, nil
}

// WriteHeader returns the per-stream time bases the container settled on.
func (s *Stage) WriteHeader(ctx context.Context) (_ret []types.Rational, _err error) {
	logger.Tracef(ctx, "WriteHeader")
	defer func() { logger.Tracef(ctx, "/WriteHeader: %v %v", _ret, _err) }()

	if s.headerWritten {
		return nil, types.ErrMuxWrite{Err: ErrHeaderAlreadyWritten}
	}
	if len(s.streams) == 0 {
		return nil, types.ErrMuxWrite{Err: errors.New("no streams were added")}
	}
	timeBases, err := s.session.WriteHeader(ctx)
	if err != nil {
		return nil, types.ErrMuxWrite{Err: fmt.Errorf("unable to write the header: %w", err)}
	}
	if len(timeBases) != len(s.streams) {
		return nil, types.ErrMuxWrite{Err: fmt.Errorf("received %d time bases for %d streams", len(timeBases), len(s.streams))}
	}
	for idx, tb := range timeBases {
		s.streams[idx].timeBase = tb
	}
	s.headerWritten = true
	return timeBases, nil
}

// StreamTimeBase is valid after WriteHeader.
func (s *Stage) StreamTimeBase(streamIndex int) types.Rational {
	if streamIndex < 0 || streamIndex >= len(s.streams) {
		return types.Rational{}
	}
	return s.streams[streamIndex].timeBase
}

// WritePacket takes ownership of pkt.
func (s *Stage) WritePacket(
	ctx context.Context,
	pkt *packet.Packet,
) (_err error) {
	logger.Tracef(ctx, "WritePacket: %s", pkt)
	defer func() { logger.Tracef(ctx, "/WritePacket: %v", _err) }()
	defer pkt.Release()

	if !s.headerWritten {
		return types.ErrMuxWrite{Err: ErrHeaderNotWritten}
	}
	if s.trailerWritten {
		return types.ErrMuxWrite{Err: ErrTrailerAlreadyWritten}
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(s.streams) {
		return types.ErrMuxWrite{Err: fmt.Errorf("invalid stream index %d", pkt.StreamIndex)}
	}
	st := s.streams[pkt.StreamIndex]
	if pkt.TimeBase != st.timeBase {
		return types.ErrMuxWrite{Err: fmt.Errorf("the packet time base %s differs from the stream's %s", pkt.TimeBase, st.timeBase)}
	}
	dts := pkt.DecodeTS()
	if st.lastDTS != types.NoPTS && dts < st.lastDTS {
		return types.ErrMuxWrite{Err: fmt.Errorf("the DTS of stream #%d went backwards: %d < %d", pkt.StreamIndex, dts, st.lastDTS)}
	}

	size := len(pkt.Payload)
	if err := s.session.WriteInterleaved(ctx, pkt); err != nil {
		return types.ErrMuxWrite{Err: fmt.Errorf("unable to write the packet: %w", err)}
	}
	st.lastDTS = dts
	st.packets++
	s.packetsWritten++
	s.bytesWritten += uint64(size)
	return nil
}

func (s *Stage) WriteTrailer(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "WriteTrailer")
	defer func() { logger.Tracef(ctx, "/WriteTrailer: %v", _err) }()

	if !s.headerWritten {
		return types.ErrMuxWrite{Err: ErrHeaderNotWritten}
	}
	if s.trailerWritten {
		return types.ErrMuxWrite{Err: ErrTrailerAlreadyWritten}
	}
	s.trailerWritten = true
	if err := s.session.WriteTrailer(ctx); err != nil {
		return types.ErrMuxWrite{Err: fmt.Errorf("unable to write the trailer: %w", err)}
	}
	return nil
}

func (s *Stage) HeaderWritten() bool {
	return s.headerWritten
}

func (s *Stage) TrailerWritten() bool {
	return s.trailerWritten
}

func (s *Stage) PacketsWritten() uint64 {
	return s.packetsWritten
}

func (s *Stage) BytesWritten() uint64 {
	return s.bytesWritten
}

func (s *Stage) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	if err != nil {
		return fmt.Errorf("unable to close the output: %w", err)
	}
	return nil
}
