// Package filtergraph converts decoded frames into what the encoder accepts.
package filtergraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xaionaro-go/avscreencast/backend"
	"github.com/xaionaro-go/avscreencast/frame"
	"github.com/xaionaro-go/avscreencast/hardware"
	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/avscreencast/types"
)

type Factory interface {
	NewFilterSession(ctx context.Context, chain backend.FilterChain) (backend.FilterSession, error)
}

type Graph struct {
	spec   *Spec
	output flowState

	session     backend.FilterSession
	passthrough []*frame.Frame

	deviceRef *hardware.DeviceRef
	framePool *hardware.FramePool

	pending   bool
	flushed   bool
	framesIn  uint64
	framesOut uint64
}

// New validates the node chain and builds it. The graph holds its own reference
// to the device of the hardware upload, if any.
func New(
	ctx context.Context,
	factory Factory,
	hwManager *hardware.Manager,
	spec *Spec,
) (_ret *Graph, _err error) {
	logger.Tracef(ctx, "New")
	defer func() { logger.Tracef(ctx, "/New: %v", _err) }()

	output, err := spec.validate()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		spec:   spec,
		output: output,
	}
	defer func() {
		if _err != nil {
			_ = g.Close(ctx)
		}
	}()

	source := spec.Nodes[0]
	chain := backend.FilterChain{
		Input: backend.FilterInput{
			Width:       source.Resolution.Width,
			Height:      source.Resolution.Height,
			PixelFormat: source.PixelFormat,
			TimeBase:    source.TimeBase,
			FrameRate:   source.FrameRate,
		},
	}
	// the state right before the upload defines the pool surfaces
	swPixFmt, swResolution := source.PixelFormat, source.Resolution
	var upload *Node
	for idx := range spec.Nodes {
		n := &spec.Nodes[idx]
		switch n.Kind {
		case NodeKindFormat:
			chain.Steps = append(chain.Steps, backend.FilterStep{Kind: backend.FilterStepKindFormat, PixelFormat: n.PixelFormat})
			swPixFmt = n.PixelFormat
		case NodeKindScale:
			chain.Steps = append(chain.Steps, backend.FilterStep{Kind: backend.FilterStepKindScale, Resolution: n.Resolution})
			swResolution = n.Resolution
		case NodeKindFrameRate:
			chain.Steps = append(chain.Steps, backend.FilterStep{Kind: backend.FilterStepKindFrameRate, FrameRate: n.FrameRate})
		case NodeKindHardwareUpload:
			upload = n
		}
	}

	if len(chain.Steps) > 0 {
		g.session, err = factory.NewFilterSession(ctx, chain)
		if err != nil {
			return nil, fmt.Errorf("unable to build the filter chain: %w", err)
		}
	}

	if upload != nil {
		if hwManager == nil {
			return nil, fmt.Errorf("the node '%s' needs a hardware manager", upload.Name)
		}
		g.deviceRef, err = upload.Device.Acquire(ctx, "filtergraph:"+upload.Name)
		if err != nil {
			return nil, fmt.Errorf("unable to acquire the device for '%s': %w", upload.Name, err)
		}
		g.framePool, err = hwManager.AllocFramePool(ctx, upload.Device, hardware.FramePoolParams{
			SoftwarePixelFormat: swPixFmt,
			Width:               swResolution.Width,
			Height:              swResolution.Height,
			Capacity:            upload.PoolCapacity,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to allocate the frame pool for '%s': %w", upload.Name, err)
		}
	}
	return g, nil
}

// OneToOne reports whether each pushed frame yields exactly one output frame.
func (g *Graph) OneToOne() bool {
	return g.output.oneToOne
}

func (g *Graph) InputContract() frame.Contract {
	source := g.spec.Nodes[0]
	return frame.Contract{PixelFormat: source.PixelFormat, Residency: source.Residency}
}

func (g *Graph) OutputContract() frame.Contract {
	return g.output.contract()
}

func (g *Graph) OutputResolution() types.Resolution {
	return g.output.resolution
}

func (g *Graph) OutputTimeBase() types.Rational {
	return g.output.timeBase
}

func (g *Graph) OutputFrameRate() types.Rational {
	return g.output.frameRate
}

// SoftwarePixelFormat is the host format of the uploaded surfaces, or the
// output format when there is no upload.
func (g *Graph) SoftwarePixelFormat() types.PixelFormat {
	if g.output.softwarePixelFormat != types.PixelFormatNone {
		return g.output.softwarePixelFormat
	}
	return g.output.pixelFormat
}

// FramePool is the pool of the hardware upload, nil for software graphs.
func (g *Graph) FramePool() *hardware.FramePool {
	return g.framePool
}

// Depth is how many frames the software chain may hold between a push and its output.
func (g *Graph) Depth() uint {
	return g.spec.Depth()
}

func (g *Graph) FramesIn() uint64 {
	return g.framesIn
}

func (g *Graph) FramesOut() uint64 {
	return g.framesOut
}

// Describe renders the graph topology, e.g. "source(bgr0@host ...) -> format(nv12) -> sink(nv12@host)".
func (g *Graph) Describe() string {
	return g.spec.Describe()
}

func (s *Spec) Describe() string {
	parts := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, " -> ")
}

// Push takes ownership of f. Every Push must be followed by a Drain.
func (g *Graph) Push(
	ctx context.Context,
	f *frame.Frame,
) (_err error) {
	logger.Tracef(ctx, "Push: %s", f)
	defer func() { logger.Tracef(ctx, "/Push: %v", _err) }()

	if f == nil {
		return types.ErrFilterProcessing{Err: errors.New("nil frame, use Flush to drain the graph")}
	}
	if g.flushed {
		f.Release()
		return types.ErrFilterProcessing{Err: errors.New("the graph is already flushed")}
	}
	if g.pending {
		f.Release()
		return types.ErrFilterProcessing{Err: errors.New("the previous push was not drained")}
	}
	if err := g.InputContract().Check(f); err != nil {
		f.Release()
		return types.ErrFilterProcessing{Err: err}
	}
	source := g.spec.Nodes[0]
	if f.Resolution() != source.Resolution {
		f.Release()
		return types.ErrFilterProcessing{Err: fmt.Errorf("the source is %s, received a %s frame", source.Resolution, f.Resolution())}
	}

	g.framesIn++
	g.pending = true
	if g.session == nil {
		g.passthrough = append(g.passthrough, f)
		return nil
	}
	if err := g.session.Push(ctx, f); err != nil {
		f.Release()
		return types.ErrFilterProcessing{Err: err}
	}
	return nil
}

// Drain returns the frames produced since the last Push. In one-to-one mode
// anything other than exactly one frame is an error.
func (g *Graph) Drain(
	ctx context.Context,
) (_ret []*frame.Frame, _err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %d frames, %v", len(_ret), _err) }()

	if !g.pending {
		return nil, types.ErrFilterProcessing{Err: errors.New("nothing was pushed")}
	}
	g.pending = false

	out, err := g.collect(ctx)
	if err != nil {
		return nil, err
	}
	if g.OneToOne() && len(out) != 1 {
		releaseAll(out)
		return nil, types.ErrFilterProcessing{Err: fmt.Errorf("a one-to-one graph produced %d frames for one input", len(out))}
	}
	g.framesOut += uint64(len(out))
	return out, nil
}

// Flush ends the input and returns everything the graph still holds.
func (g *Graph) Flush(
	ctx context.Context,
) (_ret []*frame.Frame, _err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %d frames, %v", len(_ret), _err) }()

	if g.flushed {
		return nil, nil
	}
	g.flushed = true
	g.pending = false
	if g.session != nil {
		if err := g.session.Push(ctx, nil); err != nil {
			return nil, types.ErrFilterProcessing{Err: fmt.Errorf("unable to flush the filter chain: %w", err)}
		}
	}
	out, err := g.collect(ctx)
	if err != nil {
		return nil, err
	}
	g.framesOut += uint64(len(out))
	return out, nil
}

func (g *Graph) collect(ctx context.Context) ([]*frame.Frame, error) {
	var filtered []*frame.Frame
	if g.session == nil {
		filtered, g.passthrough = g.passthrough, nil
	} else {
		for {
			f, err := g.session.Pull(ctx)
			if errors.Is(err, backend.ErrAgain) || errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				releaseAll(filtered)
				return nil, types.ErrFilterProcessing{Err: err}
			}
			filtered = append(filtered, f)
		}
	}

	if g.framePool == nil {
		return filtered, nil
	}

	result := make([]*frame.Frame, 0, len(filtered))
	for idx, f := range filtered {
		hwFrame, err := g.framePool.Upload(ctx, f)
		f.Release()
		if err != nil {
			releaseAll(result)
			releaseAll(filtered[idx+1:])
			return nil, types.ErrFilterProcessing{Err: err}
		}
		result = append(result, hwFrame)
	}
	return result, nil
}

// Close releases the held frames and the device reference. The frame pool
// belongs to the hardware manager.
func (g *Graph) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()

	var errs []error
	releaseAll(g.passthrough)
	g.passthrough = nil
	if g.session != nil {
		if err := g.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unable to close the filter chain: %w", err))
		}
		g.session = nil
	}
	if g.deviceRef != nil {
		if err := g.deviceRef.Release(ctx); err != nil && !errors.Is(err, types.ErrAlreadyReleased) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func releaseAll(frames []*frame.Frame) {
	for _, f := range frames {
		f.Release()
	}
}
