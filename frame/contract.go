package frame

import (
	"fmt"

	"github.com/xaionaro-go/avscreencast/types"
)

// Contract is what a stage declares it accepts or produces.
type Contract struct {
	PixelFormat types.PixelFormat
	Residency   Residency
}

func (c Contract) String() string {
	return fmt.Sprintf("%s@%s", c.PixelFormat, c.Residency)
}

func (f *Frame) Contract() Contract {
	return Contract{
		PixelFormat: f.PixelFormat,
		Residency:   f.Residency,
	}
}

// Check returns an error if the frame does not satisfy the contract.
func (c Contract) Check(f *Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if got := f.Contract(); got != c {
		return fmt.Errorf("expected a %s frame, received %s", c, got)
	}
	return nil
}
