package logger

import (
	"context"

	"github.com/facebookincubator/go-belt"
)

// CtxWithStage tags everything logged under the returned context with the stage name.
func CtxWithStage(ctx context.Context, stage string) context.Context {
	return belt.WithField(ctx, "stage", stage)
}
