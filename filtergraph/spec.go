package filtergraph

import (
	"fmt"

	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/hardware"
	"github.com/xaionaro-go/avscreencast/types"
)

type NodeKind int

const (
	NodeKindUndefined = NodeKind(iota)
	NodeKindSource
	NodeKindFormat
	NodeKindScale
	NodeKindFrameRate
	NodeKindHardwareUpload
	NodeKindSink
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindUndefined:
		return "undefined"
	case NodeKindSource:
		return "source"
	case NodeKindFormat:
		return "format"
	case NodeKindScale:
		return "scale"
	case NodeKindFrameRate:
		return "fps"
	case NodeKindHardwareUpload:
		return "hwupload"
	case NodeKindSink:
		return "sink"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// IsSoftwareTransform reports whether the node processes frames in host memory.
func (k NodeKind) IsSoftwareTransform() bool {
	switch k {
	case NodeKindFormat, NodeKindScale, NodeKindFrameRate:
		return true
	}
	return false
}

type Node struct {
	Name string
	Kind NodeKind

	// PixelFormat is the source output, the conversion target or the sink expectation.
	PixelFormat types.PixelFormat
	// Residency is the source output or the sink expectation.
	Residency frame.Residency
	// Resolution is the source size or the scale target.
	Resolution types.Resolution
	// TimeBase is the source time base.
	TimeBase types.Rational
	// FrameRate is the source rate or the conversion target.
	FrameRate types.Rational

	// Device is set for the hardware upload and for hardware-resident sources.
	Device       *hardware.DeviceContext
	PoolCapacity uint
}

func (n Node) String() string {
	switch n.Kind {
	case NodeKindSource:
		return fmt.Sprintf("%s(%s %s tb=%s fps=%s)", n.Name, frame.Contract{PixelFormat: n.PixelFormat, Residency: n.Residency}, n.Resolution, n.TimeBase, n.FrameRate)
	case NodeKindFormat:
		return fmt.Sprintf("%s(%s)", n.Name, n.PixelFormat)
	case NodeKindScale:
		return fmt.Sprintf("%s(%s)", n.Name, n.Resolution)
	case NodeKindFrameRate:
		return fmt.Sprintf("%s(%s)", n.Name, n.FrameRate)
	case NodeKindHardwareUpload:
		device := "<nil>"
		if n.Device != nil {
			device = n.Device.String()
		}
		return fmt.Sprintf("%s(%s pool=%d)", n.Name, device, n.PoolCapacity)
	case NodeKindSink:
		return fmt.Sprintf("%s(%s)", n.Name, frame.Contract{PixelFormat: n.PixelFormat, Residency: n.Residency})
	}
	return n.Name
}

type SourceParams struct {
	PixelFormat types.PixelFormat
	Residency   frame.Residency
	Resolution  types.Resolution
	TimeBase    types.Rational
	FrameRate   types.Rational
	Device      *hardware.DeviceContext
}

// Spec is an ordered single-path chain: one source, transforms, one sink.
type Spec struct {
	Nodes []Node
}

func NewSpec() *Spec {
	return &Spec{}
}

// Add appends a node; an empty name is replaced by the kind (suffixed if taken).
func (s *Spec) Add(n Node) *Spec {
	if n.Name == "" {
		n.Name = s.freeName(n.Kind.String())
	}
	s.Nodes = append(s.Nodes, n)
	return s
}

func (s *Spec) freeName(base string) string {
	name := base
	for idx := 1; s.hasName(name); idx++ {
		name = fmt.Sprintf("%s%d", base, idx)
	}
	return name
}

func (s *Spec) hasName(name string) bool {
	for _, n := range s.Nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

func (s *Spec) Source(params SourceParams) *Spec {
	if params.Residency == frame.ResidencyUndefined {
		params.Residency = residencyOf(params.PixelFormat)
	}
	return s.Add(Node{
		Kind:        NodeKindSource,
		PixelFormat: params.PixelFormat,
		Residency:   params.Residency,
		Resolution:  params.Resolution,
		TimeBase:    params.TimeBase,
		FrameRate:   params.FrameRate,
		Device:      params.Device,
	})
}

func residencyOf(pixFmt types.PixelFormat) frame.Residency {
	if pixFmt.IsHardware() {
		return frame.ResidencyHardware
	}
	return frame.ResidencyHost
}

// checkResidency rejects a pixel format declared in the wrong memory.
func checkResidency(n Node) error {
	if expected := residencyOf(n.PixelFormat); n.Residency != expected {
		return invalid(n.Name, "the pixel format '%s' is %s-resident, declared %s", n.PixelFormat, expected, n.Residency)
	}
	return nil
}

func (s *Spec) Format(pixFmt types.PixelFormat) *Spec {
	return s.Add(Node{Kind: NodeKindFormat, PixelFormat: pixFmt})
}

func (s *Spec) Scale(resolution types.Resolution) *Spec {
	return s.Add(Node{Kind: NodeKindScale, Resolution: resolution})
}

func (s *Spec) FrameRate(frameRate types.Rational) *Spec {
	return s.Add(Node{Kind: NodeKindFrameRate, FrameRate: frameRate})
}

func (s *Spec) HardwareUpload(device *hardware.DeviceContext, poolCapacity uint) *Spec {
	return s.Add(Node{Kind: NodeKindHardwareUpload, Device: device, PoolCapacity: poolCapacity})
}

func (s *Spec) Sink(pixFmt types.PixelFormat, residency frame.Residency) *Spec {
	return s.Add(Node{Kind: NodeKindSink, PixelFormat: pixFmt, Residency: residency})
}

// Depth is how many frames the chain may hold between a push and its output.
func (s *Spec) Depth() uint {
	for _, n := range s.Nodes {
		if n.Kind == NodeKindFrameRate {
			return 2
		}
	}
	return 1
}

// flowState is what travels along an edge while validating.
type flowState struct {
	pixelFormat         types.PixelFormat
	softwarePixelFormat types.PixelFormat
	residency           frame.Residency
	resolution          types.Resolution
	timeBase            types.Rational
	frameRate           types.Rational
	device              *hardware.DeviceContext
	oneToOne            bool
}

func (st flowState) contract() frame.Contract {
	return frame.Contract{PixelFormat: st.pixelFormat, Residency: st.residency}
}

func invalid(node, format string, args ...any) error {
	return types.ErrGraphValidation{Node: node, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the chain and the contracts of every edge.
func (s *Spec) Validate() error {
	_, err := s.validate()
	return err
}

func (s *Spec) validate() (flowState, error) {
	var st flowState
	if s == nil || len(s.Nodes) < 2 {
		return st, invalid("", "a graph needs at least a source and a sink")
	}

	names := map[string]struct{}{}
	for idx, n := range s.Nodes {
		if n.Name == "" {
			return st, invalid("", "node #%d has no name", idx)
		}
		if _, ok := names[n.Name]; ok {
			return st, invalid(n.Name, "the name is not unique")
		}
		names[n.Name] = struct{}{}

		switch {
		case idx == 0 && n.Kind != NodeKindSource:
			return st, invalid(n.Name, "the first node must be the source, got %s", n.Kind)
		case idx == len(s.Nodes)-1 && n.Kind != NodeKindSink:
			return st, invalid(n.Name, "the last node must be the sink, got %s", n.Kind)
		case idx != 0 && n.Kind == NodeKindSource:
			return st, invalid(n.Name, "only one source is allowed")
		case idx != len(s.Nodes)-1 && n.Kind == NodeKindSink:
			return st, invalid(n.Name, "only one sink is allowed")
		}
	}

	st.oneToOne = true
	for _, n := range s.Nodes {
		switch n.Kind {
		case NodeKindSource:
			if n.PixelFormat == types.PixelFormatNone {
				return st, invalid(n.Name, "the pixel format is not set")
			}
			if n.Resolution.Width == 0 || n.Resolution.Height == 0 {
				return st, invalid(n.Name, "invalid resolution %s", n.Resolution)
			}
			if err := n.TimeBase.Validate(); err != nil || n.TimeBase.IsZero() {
				return st, invalid(n.Name, "invalid time base %s", n.TimeBase)
			}
			if err := checkResidency(n); err != nil {
				return st, err
			}
			if n.Residency == frame.ResidencyHardware {
				if n.Device == nil {
					return st, invalid(n.Name, "a hardware-resident source needs a device")
				}
				st.device = n.Device
			}
			st.pixelFormat = n.PixelFormat
			st.residency = n.Residency
			st.resolution = n.Resolution
			st.timeBase = n.TimeBase
			st.frameRate = n.FrameRate

		case NodeKindFormat, NodeKindScale, NodeKindFrameRate:
			if st.residency != frame.ResidencyHost {
				return st, invalid(n.Name, "a software transform cannot take %s-resident input", st.residency)
			}
			switch n.Kind {
			case NodeKindFormat:
				if n.PixelFormat == types.PixelFormatNone || n.PixelFormat.IsHardware() {
					return st, invalid(n.Name, "invalid software pixel format '%s'", n.PixelFormat)
				}
				st.pixelFormat = n.PixelFormat
			case NodeKindScale:
				if n.Resolution.Width == 0 || n.Resolution.Height == 0 {
					return st, invalid(n.Name, "invalid resolution %s", n.Resolution)
				}
				st.resolution = n.Resolution
			case NodeKindFrameRate:
				if err := n.FrameRate.Validate(); err != nil || n.FrameRate.IsZero() {
					return st, invalid(n.Name, "invalid frame rate %s", n.FrameRate)
				}
				st.frameRate = n.FrameRate
				st.timeBase = n.FrameRate.Reverse()
				st.oneToOne = false
			}

		case NodeKindHardwareUpload:
			if st.residency != frame.ResidencyHost {
				return st, invalid(n.Name, "the upload needs host-resident input, got %s", st.residency)
			}
			if n.Device == nil || n.Device.IsFreed() {
				return st, invalid(n.Name, "the upload needs a live hardware device")
			}
			if st.device != nil && st.device != n.Device {
				return st, invalid(n.Name, "the graph already uses the device %s, cannot use %s", st.device, n.Device)
			}
			hwPixFmt := n.Device.Type().HardwarePixelFormat()
			if hwPixFmt == types.PixelFormatNone {
				return st, invalid(n.Name, "the device type %s has no surface format", n.Device.Type())
			}
			st.device = n.Device
			st.softwarePixelFormat = st.pixelFormat
			st.pixelFormat = hwPixFmt
			st.residency = frame.ResidencyHardware

		case NodeKindSink:
			if err := checkResidency(n); err != nil {
				return st, err
			}
			expected := frame.Contract{PixelFormat: n.PixelFormat, Residency: n.Residency}
			if got := st.contract(); got != expected {
				return st, invalid(n.Name, "the sink expects %s, the incoming edge carries %s", expected, got)
			}

		default:
			return st, invalid(n.Name, "unknown node kind %s", n.Kind)
		}
	}
	return st, nil
}
