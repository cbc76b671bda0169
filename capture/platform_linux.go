//go:build linux
// +build linux

package capture

import (
	"fmt"
	"os"

	"github.com/xaionaro-go/avscreencast/types"
)

const DefaultDriver = "x11grab"

// inputURL renders an x11grab display target; an empty target falls back to $DISPLAY.
func inputURL(target string, opts Options) (string, types.DictionaryItems, error) {
	dict := opts.Dictionary()
	driver := opts.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	if driver != DefaultDriver {
		return target, dict, nil
	}
	if target == "" {
		target = os.Getenv("DISPLAY")
	}
	if target == "" {
		return "", nil, fmt.Errorf("no display target is given and $DISPLAY is not set")
	}
	if opts.Offset != nil {
		target = fmt.Sprintf("%s+%d,%d", target, opts.Offset.X, opts.Offset.Y)
	}
	return target, dict, nil
}
