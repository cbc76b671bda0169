package synthetic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avscreencast/types"
)

// The container is a sequence of big-endian records:
//
//	header:  "AVSC" version:u8 streams:u8 { codec:str16 width:u32 height:u32 tb_num:i32 tb_den:i32 extradata:bytes16 }
//	packet:  'P' stream:u8 pts:i64 dts:i64 duration:i64 flags:u8 payload:bytes32
//	trailer: 'T' packets:u64

const (
	containerMagic   = "AVSC"
	containerVersion = 1

	recordPacket  = 'P'
	recordTrailer = 'T'

	flagKeyframe = 0x1
)

type ContainerStream struct {
	CodecName string
	Width     uint32
	Height    uint32
	TimeBase  types.Rational
	Extradata []byte
}

type ContainerPacket struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	Size        int
}

type Container struct {
	Streams            []ContainerStream
	Packets            []ContainerPacket
	HasTrailer         bool
	TrailerPacketCount uint64
}

type containerWriter struct {
	w *bufio.Writer
}

func newContainerWriter(w io.Writer) *containerWriter {
	return &containerWriter{w: bufio.NewWriter(w)}
}

func (c *containerWriter) writeHeader(streams []ContainerStream) error {
	if len(streams) > 255 {
		return fmt.Errorf("too many streams: %d", len(streams))
	}
	c.w.WriteString(containerMagic)
	c.w.WriteByte(containerVersion)
	c.w.WriteByte(byte(len(streams)))
	for _, s := range streams {
		writeBytes16(c.w, []byte(s.CodecName))
		binary.Write(c.w, binary.BigEndian, s.Width)
		binary.Write(c.w, binary.BigEndian, s.Height)
		binary.Write(c.w, binary.BigEndian, int32(s.TimeBase.Num))
		binary.Write(c.w, binary.BigEndian, int32(s.TimeBase.Den))
		writeBytes16(c.w, s.Extradata)
	}
	return c.w.Flush()
}

func (c *containerWriter) writePacket(p ContainerPacket, payload []byte) error {
	c.w.WriteByte(recordPacket)
	c.w.WriteByte(byte(p.StreamIndex))
	binary.Write(c.w, binary.BigEndian, p.PTS)
	binary.Write(c.w, binary.BigEndian, p.DTS)
	binary.Write(c.w, binary.BigEndian, p.Duration)
	var flags byte
	if p.Keyframe {
		flags |= flagKeyframe
	}
	c.w.WriteByte(flags)
	binary.Write(c.w, binary.BigEndian, uint32(len(payload)))
	_, err := c.w.Write(payload)
	return err
}

func (c *containerWriter) writeTrailer(packets uint64) error {
	c.w.WriteByte(recordTrailer)
	binary.Write(c.w, binary.BigEndian, packets)
	return c.w.Flush()
}

func (c *containerWriter) flush() error {
	return c.w.Flush()
}

func writeBytes16(w *bufio.Writer, b []byte) {
	binary.Write(w, binary.BigEndian, uint16(len(b)))
	w.Write(b)
}

// ReadContainer parses a stream written by the synthetic muxer. A stream cut
// after a complete record returns everything parsed so far and no error.
func ReadContainer(r io.Reader) (*Container, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(containerMagic)+2)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("unable to read the header: %w", err)
	}
	if string(magic[:len(containerMagic)]) != containerMagic {
		return nil, fmt.Errorf("not an %s container", FormatName)
	}
	if magic[len(containerMagic)] != containerVersion {
		return nil, fmt.Errorf("unsupported version %d", magic[len(containerMagic)])
	}

	c := &Container{}
	for idx := 0; idx < int(magic[len(containerMagic)+1]); idx++ {
		var s ContainerStream
		codec, err := readBytes16(br)
		if err != nil {
			return nil, fmt.Errorf("unable to read stream #%d: %w", idx, err)
		}
		s.CodecName = string(codec)
		var tbNum, tbDen int32
		for _, v := range []any{&s.Width, &s.Height, &tbNum, &tbDen} {
			if err := binary.Read(br, binary.BigEndian, v); err != nil {
				return nil, fmt.Errorf("unable to read stream #%d: %w", idx, err)
			}
		}
		s.TimeBase = types.NewRational(int(tbNum), int(tbDen))
		if s.Extradata, err = readBytes16(br); err != nil {
			return nil, fmt.Errorf("unable to read stream #%d: %w", idx, err)
		}
		c.Streams = append(c.Streams, s)
	}

	for {
		tag, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		if err != nil {
			return c, err
		}
		switch tag {
		case recordPacket:
			p, err := readPacket(br)
			if err != nil {
				return c, fmt.Errorf("unable to read packet #%d: %w", len(c.Packets), err)
			}
			c.Packets = append(c.Packets, p)
		case recordTrailer:
			if err := binary.Read(br, binary.BigEndian, &c.TrailerPacketCount); err != nil {
				return c, fmt.Errorf("unable to read the trailer: %w", err)
			}
			c.HasTrailer = true
			return c, nil
		default:
			return c, fmt.Errorf("unknown record type 0x%02X", tag)
		}
	}
}

func readPacket(r *bufio.Reader) (ContainerPacket, error) {
	var p ContainerPacket
	streamIndex, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	p.StreamIndex = int(streamIndex)
	for _, v := range []any{&p.PTS, &p.DTS, &p.Duration} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return p, err
		}
	}
	flags, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	p.Keyframe = flags&flagKeyframe != 0
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return p, err
	}
	if _, err := r.Discard(int(size)); err != nil {
		return p, err
	}
	p.Size = int(size)
	return p, nil
}

func readBytes16(r *bufio.Reader) ([]byte, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
