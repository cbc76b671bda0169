package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "avscreencast"

// PrometheusReporter exposes the latest report as gauges.
type PrometheusReporter struct {
	fps          prometheus.Gauge
	smoothedFPS  prometheus.Gauge
	frames       prometheus.Gauge
	interval     prometheus.Gauge
	stageLatency *prometheus.GaugeVec
}

var _ Reporter = (*PrometheusReporter)(nil)

func NewPrometheusReporter(registerer prometheus.Registerer) (*PrometheusReporter, error) {
	r := &PrometheusReporter{
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fps",
			Help:      "Frames per second achieved over the last telemetry window",
		}),
		smoothedFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fps_smoothed",
			Help:      "Adaptive moving average of the per-window frame rate",
		}),
		frames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "frames",
			Help:      "Frames passed through the pipeline so far",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "window_interval_seconds",
			Help:      "Wall-clock duration of the last telemetry window",
		}),
		stageLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stage_latency_seconds",
				Help:      "Average per-frame latency of a pipeline stage over the last window",
			},
			[]string{"stage"},
		),
	}
	for _, c := range []prometheus.Collector{r.fps, r.smoothedFPS, r.frames, r.interval, r.stageLatency} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusReporter) Report(ctx context.Context, report Report) {
	r.fps.Set(report.FPS)
	r.smoothedFPS.Set(report.SmoothedFPS)
	r.frames.Set(float64(report.TotalFrames))
	r.interval.Set(report.Interval.Seconds())
	r.stageLatency.WithLabelValues("decode").Set(report.AvgDecode.Seconds())
	r.stageLatency.WithLabelValues("filter").Set(report.AvgFilter.Seconds())
	r.stageLatency.WithLabelValues("encode").Set(report.AvgEncode.Seconds())
}
