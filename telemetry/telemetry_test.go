package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { belt.Flush(ctx) })
	return ctx
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTelemetryWindow(t *testing.T) {
	ctx := testCtx(t)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	var reports []Report
	tm := New(4,
		OptionClock(clock.Now),
		OptionReporter{ReporterFunc(func(ctx context.Context, r Report) {
			reports = append(reports, r)
		})},
		OptionReporter{LogReporter{}},
	)
	require.Equal(t, 4, tm.Window())

	for idx := 0; idx < 10; idx++ {
		clock.Advance(10 * time.Millisecond)
		tm.Observe(ctx, Sample{
			Decode: time.Duration(idx+1) * time.Millisecond,
			Filter: 2 * time.Millisecond,
			Encode: 4 * time.Millisecond,
		})
	}
	require.Len(t, reports, 2)

	r := reports[0]
	require.Equal(t, uint64(4), r.Frames)
	require.Equal(t, uint64(4), r.TotalFrames)
	require.Equal(t, 40*time.Millisecond, r.Interval)
	require.InDelta(t, 100.0, r.FPS, 0.001)
	require.Equal(t, 2500*time.Microsecond, r.AvgDecode)
	require.Equal(t, 2*time.Millisecond, r.AvgFilter)
	require.Equal(t, 4*time.Millisecond, r.AvgEncode)
	require.InDelta(t, r.FPS, r.SmoothedFPS, 0.001)

	require.Equal(t, 6500*time.Microsecond, reports[1].AvgDecode)
	require.Equal(t, uint64(8), reports[1].TotalFrames)

	tm.Flush(ctx)
	require.Len(t, reports, 3)
	require.Equal(t, uint64(2), reports[2].Frames)
	require.Equal(t, 20*time.Millisecond, reports[2].Interval)
	require.Equal(t, reports[2], tm.Last())
	require.Equal(t, uint64(3), tm.Reports())

	tm.Flush(ctx)
	require.Len(t, reports, 3)
}

func TestDefaultWindow(t *testing.T) {
	require.Equal(t, DefaultWindow, New(0).Window())
}

func TestSimpleMovingAverage(t *testing.T) {
	m := NewSimpleMovingAverage[int64](3)
	require.Equal(t, int64(0), m.Value())
	require.Equal(t, int64(3), m.Update(3))
	require.Equal(t, int64(6), m.Update(9))
	require.False(t, m.Valid())
	require.Equal(t, int64(6), m.Update(6))
	require.True(t, m.Valid())
	require.Equal(t, int64(9), m.Update(12))
	m.Reset()
	require.Equal(t, 0, m.Count())
}

func TestMAMAFlat(t *testing.T) {
	m := NewMAMADefault[int64](50)
	for range 100 {
		require.Equal(t, int64(100), m.Update(100))
	}
	require.True(t, m.Valid())
}

func TestMAMARamp(t *testing.T) {
	m := NewMAMA[int64](50, 0.3, 0.05)
	for i := int64(0); i <= 100; i++ {
		v := m.Update(i)
		require.True(t, i/2 <= v && v <= i, "%d: %d", i, v)
	}
}

func TestPrometheusReporter(t *testing.T) {
	ctx := testCtx(t)
	registry := prometheus.NewRegistry()
	r, err := NewPrometheusReporter(registry)
	require.NoError(t, err)

	r.Report(ctx, Report{
		TotalFrames: 120,
		FPS:         59.5,
		SmoothedFPS: 59.9,
		AvgDecode:   time.Millisecond,
		AvgEncode:   3 * time.Millisecond,
		Interval:    time.Second,
	})
	require.Equal(t, 59.5, testutil.ToFloat64(r.fps))
	require.Equal(t, 120.0, testutil.ToFloat64(r.frames))
	require.Equal(t, 0.003, testutil.ToFloat64(r.stageLatency.WithLabelValues("encode")))
	require.Equal(t, 0.0, testutil.ToFloat64(r.stageLatency.WithLabelValues("filter")))

	_, err = NewPrometheusReporter(registry)
	require.Error(t, err)
}
