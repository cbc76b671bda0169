//go:build windows
// +build windows

package capture

import (
	"strconv"

	"github.com/xaionaro-go/avscreencast/types"
)

const DefaultDriver = "gdigrab"

func inputURL(target string, opts Options) (string, types.DictionaryItems, error) {
	dict := opts.Dictionary()
	if target == "" {
		target = "desktop"
	}
	if opts.Offset != nil {
		dict = dict.Set("offset_x", strconv.Itoa(opts.Offset.X))
		dict = dict.Set("offset_y", strconv.Itoa(opts.Offset.Y))
	}
	return target, dict, nil
}
