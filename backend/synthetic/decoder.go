package synthetic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/packet"
	"github.com/xaionaro-go/avscreencast/types"
)

// decoder renders the pattern frame whose index the packet carries. It
// holds Config.DecoderLatency frames before releasing them.
type decoder struct {
	stream    backend.StreamInfo
	latency   int
	failAfter int
	decoded   int
	delayed   []*frame.Frame
	ready     []*frame.Frame
	flushing  bool
}

const decoderReadyCapacity = 2

var errInjectedDecode = errors.New("invalid data found when processing input (injected)")

func (b *Backend) NewDecoder(
	ctx context.Context,
	stream backend.StreamInfo,
) (backend.DecoderSession, error) {
	if stream.CodecName != CodecNameRawPattern {
		return nil, fmt.Errorf("decoder for codec '%s' not found", stream.CodecName)
	}
	if stream.Width == 0 || stream.Height == 0 {
		return nil, fmt.Errorf("invalid stream resolution %dx%d", stream.Width, stream.Height)
	}
	return &decoder{
		stream:    stream,
		latency:   b.Config.DecoderLatency,
		failAfter: b.Config.Faults.DecodeFailAfter,
	}, nil
}

func (d *decoder) TimeBase() types.Rational {
	return d.stream.TimeBase
}

func (d *decoder) SendPacket(ctx context.Context, pkt *packet.Packet) error {
	if d.flushing {
		return fmt.Errorf("the decoder is flushing")
	}
	if pkt == nil {
		d.flushing = true
		d.ready = append(d.ready, d.delayed...)
		d.delayed = nil
		return nil
	}
	if len(d.ready) >= decoderReadyCapacity {
		return backend.ErrAgain
	}
	if d.failAfter > 0 && d.decoded >= d.failAfter {
		return errInjectedDecode
	}
	if len(pkt.Payload) != 8 {
		return fmt.Errorf("corrupted packet: expected 8 bytes, received %d", len(pkt.Payload))
	}
	n := binary.BigEndian.Uint64(pkt.Payload)
	f := frame.New(d.stream.Width, d.stream.Height, d.stream.PixelFormat, pkt.PTS, pkt.TimeBase)
	f.Image = renderPattern(n, d.stream.Width, d.stream.Height)
	d.decoded++
	d.delayed = append(d.delayed, f)
	for len(d.delayed) > d.latency {
		d.ready = append(d.ready, d.delayed[0])
		d.delayed = d.delayed[1:]
	}
	return nil
}

func (d *decoder) ReceiveFrame(ctx context.Context) (*frame.Frame, error) {
	if len(d.ready) > 0 {
		f := d.ready[0]
		d.ready = d.ready[1:]
		return f, nil
	}
	if d.flushing {
		return nil, io.EOF
	}
	return nil, backend.ErrAgain
}

func (d *decoder) Close() error {
	for _, f := range append(d.delayed, d.ready...) {
		f.Release()
	}
	d.delayed, d.ready = nil, nil
	return nil
}
