// Package packet defines the compressed packet passed between the capture
// source, the decoder, the encoder and the muxer.
package packet

import (
	"fmt"

	"github.com/xaionaro-go/avscreencast/types"
	"go.uber.org/atomic"
)

type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    types.Rational
	Payload     []byte
	Keyframe    bool

	// Native is the backend-owned handle (e.g. *astiav.Packet).
	Native any

	onRelease func()
	released  atomic.Bool
}

func New(streamIndex int, timeBase types.Rational, payload []byte) *Packet {
	return &Packet{
		StreamIndex: streamIndex,
		PTS:         types.NoPTS,
		DTS:         types.NoPTS,
		TimeBase:    timeBase,
		Payload:     payload,
	}
}

// RescaleTS converts the timestamps into the given time base.
func (p *Packet) RescaleTS(to types.Rational) {
	if p.TimeBase == to {
		return
	}
	p.PTS = types.RescaleTS(p.PTS, p.TimeBase, to)
	p.DTS = types.RescaleTS(p.DTS, p.TimeBase, to)
	if p.Duration > 0 {
		p.Duration = types.RescaleTS(p.Duration, p.TimeBase, to)
	}
	p.TimeBase = to
}

// DecodeTS is the DTS, or the PTS if the DTS is not set.
func (p *Packet) DecodeTS() int64 {
	if p.DTS != types.NoPTS {
		return p.DTS
	}
	return p.PTS
}

func (p *Packet) OnRelease(fn func()) {
	p.onRelease = fn
}

func (p *Packet) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.onRelease != nil {
		p.onRelease()
	}
	p.Payload = nil
	p.Native = nil
}

func (p *Packet) String() string {
	return fmt.Sprintf(
		"packet{stream:%d pts:%d dts:%d dur:%d tb:%s size:%d key:%t}",
		p.StreamIndex, p.PTS, p.DTS, p.Duration, p.TimeBase, len(p.Payload), p.Keyframe,
	)
}
