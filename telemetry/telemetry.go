// Package telemetry collects stage timings over a rolling window and reports
// the achieved frame rate. It never affects the pipeline.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/avscreencast/logger"
	"github.com/xaionaro-go/xsync"
)

const (
	DefaultWindow = 60
	// smoothingPeriod is the number of reports the smoothed FPS is computed over.
	smoothingPeriod = 8
)

// Sample is what one frame cost at each stage.
type Sample struct {
	Decode time.Duration
	Filter time.Duration
	Encode time.Duration
}

type Report struct {
	// Frames is the number of samples in the window.
	Frames      uint64
	TotalFrames uint64
	FPS         float64
	// SmoothedFPS equals FPS until enough windows were reported.
	SmoothedFPS float64
	AvgDecode   time.Duration
	AvgFilter   time.Duration
	AvgEncode   time.Duration
	Interval    time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf(
		"%d frames in %v: %.2f fps (smoothed %.2f); decode %v, filter %v, encode %v",
		r.Frames, r.Interval, r.FPS, r.SmoothedFPS, r.AvgDecode, r.AvgFilter, r.AvgEncode,
	)
}

type Reporter interface {
	Report(ctx context.Context, r Report)
}

type ReporterFunc func(ctx context.Context, r Report)

func (fn ReporterFunc) Report(ctx context.Context, r Report) {
	fn(ctx, r)
}

type Telemetry struct {
	locker    xsync.Mutex
	window    int
	now       func() time.Time
	reporters []Reporter

	decode *SimpleMovingAverage[time.Duration]
	filter *SimpleMovingAverage[time.Duration]
	encode *SimpleMovingAverage[time.Duration]

	windowStart time.Time
	totalFrames uint64
	reports     uint64
	smoothedFPS *MAMA[float64]
	last        Report
}

type Option interface {
	apply(*Telemetry)
}

type OptionClock func() time.Time

func (opt OptionClock) apply(t *Telemetry) {
	t.now = opt
}

type OptionReporter struct {
	Reporter
}

func (opt OptionReporter) apply(t *Telemetry) {
	t.reporters = append(t.reporters, opt.Reporter)
}

// New creates a collector over windows of the given number of frames
// (DefaultWindow if zero).
func New(window int, opts ...Option) *Telemetry {
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Telemetry{
		window:      window,
		now:         time.Now,
		decode:      NewSimpleMovingAverage[time.Duration](window),
		filter:      NewSimpleMovingAverage[time.Duration](window),
		encode:      NewSimpleMovingAverage[time.Duration](window),
		smoothedFPS: NewMAMADefault[float64](smoothingPeriod),
	}
	for _, opt := range opts {
		opt.apply(t)
	}
	t.windowStart = t.now()
	return t
}

func (t *Telemetry) Window() int {
	return t.window
}

// Start restarts the current window clock.
func (t *Telemetry) Start() {
	t.locker.Do(context.Background(), func() {
		t.windowStart = t.now()
	})
}

// Observe records one frame; on a window boundary it reports and resets.
func (t *Telemetry) Observe(ctx context.Context, s Sample) {
	report, ok := xsync.DoR2(xsync.WithNoLogging(ctx, true), &t.locker, func() (Report, bool) {
		t.totalFrames++
		t.decode.Update(s.Decode)
		t.filter.Update(s.Filter)
		t.encode.Update(s.Encode)
		if t.decode.Count() < t.window {
			return Report{}, false
		}
		return t.emitLocked(), true
	})
	if ok {
		t.send(ctx, report)
	}
}

// Flush reports a partially filled window, if any.
func (t *Telemetry) Flush(ctx context.Context) {
	report, ok := xsync.DoR2(xsync.WithNoLogging(ctx, true), &t.locker, func() (Report, bool) {
		if t.decode.Count() == 0 {
			return Report{}, false
		}
		return t.emitLocked(), true
	})
	if ok {
		t.send(ctx, report)
	}
}

func (t *Telemetry) emitLocked() Report {
	now := t.now()
	interval := now.Sub(t.windowStart)
	frames := uint64(t.decode.Count())
	r := Report{
		Frames:      frames,
		TotalFrames: t.totalFrames,
		AvgDecode:   t.decode.Value(),
		AvgFilter:   t.filter.Value(),
		AvgEncode:   t.encode.Value(),
		Interval:    interval,
	}
	if interval > 0 {
		r.FPS = float64(frames) / interval.Seconds()
	}
	r.SmoothedFPS = t.smoothedFPS.Update(r.FPS)

	t.decode.Reset()
	t.filter.Reset()
	t.encode.Reset()
	t.windowStart = now
	t.reports++
	t.last = r
	return r
}

func (t *Telemetry) send(ctx context.Context, r Report) {
	logger.Tracef(ctx, "telemetry report: %s", r)
	for _, reporter := range t.reporters {
		reporter.Report(ctx, r)
	}
}

// Last is the most recent report.
func (t *Telemetry) Last() Report {
	return xsync.DoR1(context.Background(), &t.locker, func() Report {
		return t.last
	})
}

func (t *Telemetry) Reports() uint64 {
	return xsync.DoR1(context.Background(), &t.locker, func() uint64 {
		return t.reports
	})
}
