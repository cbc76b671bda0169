package telemetry

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt/pkg/field"
	"github.com/xaionaro-go/avscreencast/logger"
)

// LogReporter writes every report into the context logger.
type LogReporter struct {
	Level logger.Level
}

var _ Reporter = LogReporter{}

func (r LogReporter) Report(ctx context.Context, report Report) {
	level := r.Level
	if level == logger.LevelUndefined {
		level = logger.LevelInfo
	}
	logger.LogFields(ctx, level, "telemetry", field.Map[string]{
		"frames":       humanize.Comma(int64(report.TotalFrames)),
		"fps":          humanize.FtoaWithDigits(report.FPS, 2),
		"fps_smoothed": humanize.FtoaWithDigits(report.SmoothedFPS, 2),
		"decode":       report.AvgDecode.String(),
		"filter":       report.AvgFilter.String(),
		"encode":       report.AvgEncode.String(),
		"interval":     report.Interval.String(),
	})
}
