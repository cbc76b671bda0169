package pipeline

import (
	"github.com/xaionaro-go/avscreencast/types"
)

type Stats struct {
	PacketsCaptured uint64
	// PacketsIgnored are captured packets of streams other than the video one.
	PacketsIgnored uint64
	FramesDecoded  uint64
	FramesFiltered uint64
	FramesEncoded  uint64
	PacketsEncoded uint64
	PacketsMuxed   uint64
	BytesMuxed     uint64
	BitrateChanges uint64

	// BufferedAtDrain is what the encoder held when the drain started.
	BufferedAtDrain       uint64
	PacketsFlushedOnDrain uint64
	TrailerWritten        bool

	PeakPoolUsage uint
	Termination   types.ErrorClass
}
