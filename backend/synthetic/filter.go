package synthetic

import (
	"context"
	"fmt"
	"io"

	"github.com/anthonynsimon/bild/transform"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/types"
)

// filterStep never buffers, so flushing the chain produces nothing.
type filterStep interface {
	process(f *frame.Frame) ([]*frame.Frame, error)
}

type filterSession struct {
	steps    []filterStep
	output   []*frame.Frame
	flushing bool
}

func (b *Backend) NewFilterSession(
	ctx context.Context,
	chain backend.FilterChain,
) (backend.FilterSession, error) {
	s := &filterSession{}
	for idx, step := range chain.Steps {
		switch step.Kind {
		case backend.FilterStepKindFormat:
			if step.PixelFormat.IsHardware() {
				return nil, fmt.Errorf("step #%d: cannot convert to the hardware format %s in host memory", idx, step.PixelFormat)
			}
			s.steps = append(s.steps, formatStep{pixelFormat: step.PixelFormat})
		case backend.FilterStepKindScale:
			if step.Resolution.Width == 0 || step.Resolution.Height == 0 {
				return nil, fmt.Errorf("step #%d: invalid resolution %s", idx, step.Resolution)
			}
			s.steps = append(s.steps, scaleStep{resolution: step.Resolution})
		case backend.FilterStepKindFrameRate:
			if err := step.FrameRate.Validate(); err != nil || step.FrameRate.IsZero() {
				return nil, fmt.Errorf("step #%d: invalid frame rate %s", idx, step.FrameRate)
			}
			s.steps = append(s.steps, &frameRateStep{timeBase: step.FrameRate.Reverse()})
		default:
			return nil, fmt.Errorf("step #%d: unsupported kind %s", idx, step.Kind)
		}
	}
	return s, nil
}

// Push takes ownership of f; nil flushes the chain.
func (s *filterSession) Push(ctx context.Context, f *frame.Frame) error {
	if s.flushing {
		return fmt.Errorf("the filter chain is flushing")
	}
	if f == nil {
		s.flushing = true
		return nil
	}
	if f.Residency != frame.ResidencyHost || f.Image == nil {
		return fmt.Errorf("the synthetic filters need host-resident frames, received %s", f)
	}
	in := []*frame.Frame{f}
	for _, step := range s.steps {
		var next []*frame.Frame
		for _, f := range in {
			out, err := step.process(f)
			if err != nil {
				return err
			}
			next = append(next, out...)
		}
		in = next
	}
	s.output = append(s.output, in...)
	return nil
}

func (s *filterSession) Pull(ctx context.Context) (*frame.Frame, error) {
	if len(s.output) > 0 {
		f := s.output[0]
		s.output = s.output[1:]
		return f, nil
	}
	if s.flushing {
		return nil, io.EOF
	}
	return nil, backend.ErrAgain
}

func (s *filterSession) Close() error {
	for _, f := range s.output {
		f.Release()
	}
	s.output = nil
	return nil
}

// formatStep only retags the frame; the planes stay RGBA in Go memory.
type formatStep struct {
	pixelFormat types.PixelFormat
}

func (s formatStep) process(f *frame.Frame) ([]*frame.Frame, error) {
	f.PixelFormat = s.pixelFormat
	return []*frame.Frame{f}, nil
}

type scaleStep struct {
	resolution types.Resolution
}

func (s scaleStep) process(f *frame.Frame) ([]*frame.Frame, error) {
	if f.Width != s.resolution.Width || f.Height != s.resolution.Height {
		f.Image = transform.Resize(f.Image, int(s.resolution.Width), int(s.resolution.Height), transform.Linear)
		f.Width, f.Height = s.resolution.Width, s.resolution.Height
	}
	return []*frame.Frame{f}, nil
}

// frameRateStep outputs a constant frame rate: a frame is duplicated to
// fill skipped slots and dropped if its slot was already emitted.
type frameRateStep struct {
	timeBase types.Rational
	started  bool
	nextSlot int64
}

func (s *frameRateStep) process(f *frame.Frame) ([]*frame.Frame, error) {
	if f.PTS == types.NoPTS {
		return nil, fmt.Errorf("the frame rate conversion needs timestamps")
	}
	slot := types.RescaleTS(f.PTS, f.TimeBase, s.timeBase)
	if !s.started {
		s.started = true
		s.nextSlot = slot
	}
	if slot < s.nextSlot {
		f.Release()
		return nil, nil
	}

	var result []*frame.Frame
	for ; s.nextSlot < slot; s.nextSlot++ {
		dup := f.CopyMeta()
		dup.Image = f.Image
		dup.PTS = s.nextSlot
		dup.TimeBase = s.timeBase
		dup.Duration = 1
		result = append(result, dup)
	}
	f.PTS = slot
	f.TimeBase = s.timeBase
	f.Duration = 1
	s.nextSlot = slot + 1
	return append(result, f), nil
}
