//go:build darwin
// +build darwin

package capture

import (
	"github.com/xaionaro-go/avscreencast/types"
)

const DefaultDriver = "avfoundation"

func inputURL(target string, opts Options) (string, types.DictionaryItems, error) {
	dict := opts.Dictionary()
	if target == "" {
		target = "0"
	}
	if opts.Driver == "" || opts.Driver == DefaultDriver {
		if v, ok := dict.Get("draw_mouse"); ok {
			dict = dict.Set("capture_cursor", v)
		}
	}
	return target, dict, nil
}
