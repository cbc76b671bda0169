package synthetic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

var errInjectedWrite = errors.New("broken pipe (injected)")

type queuedPacket struct {
	pkt     ContainerPacket
	payload []byte
	// dts in seconds as a common clock for interleaving
	dts types.Rational
}

type muxer struct {
	backend *Backend
	params  backend.OutputParams
	out     io.WriteCloser
	writer  *containerWriter

	streams       []ContainerStream
	queues        [][]queuedPacket
	headerWritten bool
	packetsOut    uint64
	writes        int
}

func newMuxer(b *Backend, params backend.OutputParams, out io.WriteCloser) *muxer {
	return &muxer{
		backend: b,
		params:  params,
		out:     out,
		writer:  newContainerWriter(out),
	}
}

// containerTimeBase mirrors what libav muxers settle on.
func containerTimeBase(format string, streamTimeBase types.Rational) types.Rational {
	switch format {
	case "mpegts":
		return types.NewRational(1, 90000)
	case "flv", "matroska", "webm":
		return types.NewRational(1, 1000)
	}
	return streamTimeBase
}

func (m *muxer) AddStream(ctx context.Context, params backend.StreamParams) (int, error) {
	if m.headerWritten {
		return 0, fmt.Errorf("cannot add a stream after the header")
	}
	if err := params.TimeBase.Validate(); err != nil {
		return 0, fmt.Errorf("invalid stream time base: %w", err)
	}
	m.streams = append(m.streams, ContainerStream{
		CodecName: params.CodecName,
		Width:     params.Width,
		Height:    params.Height,
		TimeBase:  params.TimeBase,
		Extradata: params.Extradata,
	})
	m.queues = append(m.queues, nil)
	return len(m.streams) - 1, nil
}

func (m *muxer) WriteHeader(ctx context.Context) ([]types.Rational, error) {
	if m.headerWritten {
		return nil, fmt.Errorf("the header is already written")
	}
	if len(m.streams) == 0 {
		return nil, fmt.Errorf("no streams")
	}
	result := make([]types.Rational, len(m.streams))
	for idx := range m.streams {
		m.streams[idx].TimeBase = containerTimeBase(m.params.Format, m.streams[idx].TimeBase)
		result[idx] = m.streams[idx].TimeBase
	}
	if err := m.writer.writeHeader(m.streams); err != nil {
		return nil, err
	}
	m.headerWritten = true
	logger.Debugf(ctx, "wrote the %s header for %d stream(s)", FormatName, len(m.streams))
	return result, nil
}

func (m *muxer) WriteInterleaved(ctx context.Context, pkt *packet.Packet) error {
	if !m.headerWritten {
		return fmt.Errorf("the header is not written")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.streams) {
		return fmt.Errorf("invalid stream index %d", pkt.StreamIndex)
	}
	tb := m.streams[pkt.StreamIndex].TimeBase
	if pkt.TimeBase != tb {
		return fmt.Errorf("the packet time base %s differs from the stream's %s", pkt.TimeBase, tb)
	}
	if limit := m.backend.Config.Faults.MuxWriteFailAfter; limit > 0 && m.writes >= limit {
		return errInjectedWrite
	}
	m.writes++

	dts := pkt.DecodeTS()
	m.queues[pkt.StreamIndex] = append(m.queues[pkt.StreamIndex], queuedPacket{
		pkt: ContainerPacket{
			StreamIndex: pkt.StreamIndex,
			PTS:         pkt.PTS,
			DTS:         pkt.DTS,
			Duration:    pkt.Duration,
			Keyframe:    pkt.Keyframe,
			Size:        len(pkt.Payload),
		},
		payload: append([]byte(nil), pkt.Payload...),
		dts:     types.NewRational(int(dts)*tb.Num, tb.Den),
	})
	return m.interleave(false)
}

// interleave writes the packet with the lowest DTS while every stream has one queued.
func (m *muxer) interleave(flush bool) error {
	for {
		best := -1
		for idx, q := range m.queues {
			if len(q) == 0 {
				if !flush {
					return m.writer.flush()
				}
				continue
			}
			if best < 0 || less(q[0].dts, m.queues[best][0].dts) {
				best = idx
			}
		}
		if best < 0 {
			return m.writer.flush()
		}
		q := m.queues[best][0]
		m.queues[best] = m.queues[best][1:]
		if err := m.writer.writePacket(q.pkt, q.payload); err != nil {
			return err
		}
		m.packetsOut++
	}
}

func less(a, b types.Rational) bool {
	return int64(a.Num)*int64(b.Den) < int64(b.Num)*int64(a.Den)
}

func (m *muxer) WriteTrailer(ctx context.Context) error {
	if !m.headerWritten {
		return fmt.Errorf("the header is not written")
	}
	if err := m.interleave(true); err != nil {
		return err
	}
	return m.writer.writeTrailer(m.packetsOut)
}

func (m *muxer) Close() error {
	return m.out.Close()
}
