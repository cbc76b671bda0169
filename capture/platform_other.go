//go:build !linux && !darwin && !windows
// +build !linux,!darwin,!windows

package capture

import (
	"fmt"

	"github.com/xaionaro-go/avscreencast/types"
)

const DefaultDriver = ""

func inputURL(target string, opts Options) (string, types.DictionaryItems, error) {
	if opts.Driver == "" {
		return "", nil, fmt.Errorf("there is no default screen capture driver on this platform")
	}
	return target, opts.Dictionary(), nil
}
