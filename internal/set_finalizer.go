// Package internal holds helpers shared by the avscreencast packages.
package internal

import (
	"context"
	"runtime"

	"github.com/xaionaro-go/avscreencast/logger"
)

// SetFinalizerFree frees a native object when the Go handle is collected.
func SetFinalizerFree[T interface{ Free() }](
	ctx context.Context,
	freer T,
) {
	runtime.SetFinalizer(freer, func(freer T) {
		logger.Debugf(ctx, "freeing %T", freer)
		freer.Free()
	})
}
