package libav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
)

type filterSession struct {
	graph    *astiav.FilterGraph
	srcCtx   *astiav.BuffersrcFilterContext
	sinkCtx  *astiav.BuffersinkFilterContext
	timeBase types.Rational
	closer   *astikit.Closer
}

// FilterDescription renders the chain as a libavfilter graph description.
func FilterDescription(steps []backend.FilterStep) string {
	var parts []string
	for _, step := range steps {
		switch step.Kind {
		case backend.FilterStepKindFormat:
			parts = append(parts, fmt.Sprintf("format=pix_fmts=%s", step.PixelFormat))
		case backend.FilterStepKindScale:
			parts = append(parts, fmt.Sprintf("scale=w=%d:h=%d", step.Resolution.Width, step.Resolution.Height))
		case backend.FilterStepKindFrameRate:
			parts = append(parts, fmt.Sprintf("fps=fps=%s", step.FrameRate))
		}
	}
	if len(parts) == 0 {
		return "null"
	}
	return strings.Join(parts, ",")
}

func (*Backend) NewFilterSession(
	ctx context.Context,
	chain backend.FilterChain,
) (_ backend.FilterSession, _err error) {
	description := FilterDescription(chain.Steps)
	logger.Tracef(ctx, "NewFilterSession('%s')", description)
	defer func() { logger.Tracef(ctx, "/NewFilterSession('%s'): %v", description, _err) }()

	s := &filterSession{
		timeBase: chain.Input.TimeBase,
		closer:   astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			s.closer.Close()
		}
	}()
	for _, step := range chain.Steps {
		if step.Kind == backend.FilterStepKindFrameRate {
			s.timeBase = step.FrameRate.Reverse()
		}
	}

	if s.graph = astiav.AllocFilterGraph(); s.graph == nil {
		return nil, fmt.Errorf("unable to allocate filter graph")
	}
	s.closer.Add(s.graph.Free)

	srcFilter := astiav.FindFilterByName("buffer")
	sinkFilter := astiav.FindFilterByName("buffersink")
	if srcFilter == nil || sinkFilter == nil {
		return nil, fmt.Errorf("unable to find buffer or buffersink filters")
	}

	var err error
	if s.srcCtx, err = s.graph.NewBuffersrcFilterContext(srcFilter, "in"); err != nil {
		return nil, fmt.Errorf("unable to create buffersrc context: %w", err)
	}
	if s.sinkCtx, err = s.graph.NewBuffersinkFilterContext(sinkFilter, "out"); err != nil {
		return nil, fmt.Errorf("unable to create buffersink context: %w", err)
	}

	pixFmt, err := pixelFormatToAstiav(chain.Input.PixelFormat)
	if err != nil {
		return nil, err
	}
	params := astiav.AllocBuffersrcFilterContextParameters()
	defer params.Free()
	params.SetWidth(int(chain.Input.Width))
	params.SetHeight(int(chain.Input.Height))
	params.SetPixelFormat(pixFmt)
	params.SetTimeBase(rationalToAstiav(chain.Input.TimeBase))
	if !chain.Input.FrameRate.IsZero() {
		params.SetFramerate(rationalToAstiav(chain.Input.FrameRate))
	}
	params.SetSampleAspectRatio(astiav.NewRational(1, 1))
	if err := s.srcCtx.SetParameters(params); err != nil {
		return nil, fmt.Errorf("unable to set buffersrc parameters: %w", err)
	}
	if err := s.srcCtx.Initialize(nil); err != nil {
		return nil, fmt.Errorf("unable to initialize buffersrc: %w", err)
	}

	outputs := astiav.AllocFilterInOut()
	defer outputs.Free()
	outputs.SetName("in")
	outputs.SetFilterContext(s.srcCtx.FilterContext())
	outputs.SetPadIdx(0)
	outputs.SetNext(nil)

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(s.sinkCtx.FilterContext())
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	if err := s.graph.Parse(description, inputs, outputs); err != nil {
		return nil, fmt.Errorf("unable to parse filter string %q: %w", description, err)
	}
	if err := s.graph.Configure(); err != nil {
		return nil, fmt.Errorf("unable to configure filter graph: %w", err)
	}
	logger.Debugf(ctx, "filter graph configured: %s", description)
	return s, nil
}

func (s *filterSession) Push(ctx context.Context, f *frame.Frame) error {
	if f == nil {
		return s.srcCtx.AddFrame(nil, astiav.NewBuffersrcFlags())
	}
	native, err := nativeFrame(f)
	if err != nil {
		return err
	}
	if err := s.srcCtx.AddFrame(native, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef)); err != nil {
		return fmt.Errorf("unable to add a frame to the filter graph: %w", err)
	}
	f.Release()
	return nil
}

func (s *filterSession) Pull(ctx context.Context) (*frame.Frame, error) {
	native := framePool.Get()
	err := s.sinkCtx.GetFrame(native, astiav.NewBuffersinkFlags())
	switch {
	case err == nil:
		return wrapFrame(native, s.timeBase), nil
	case errors.Is(err, astiav.ErrEagain):
		framePool.Put(native)
		return nil, backend.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		framePool.Put(native)
		return nil, io.EOF
	}
	framePool.Put(native)
	return nil, fmt.Errorf("unable to get a frame from the filter graph: %w", err)
}

func (s *filterSession) Close() error {
	return s.closer.Close()
}
