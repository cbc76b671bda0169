package types

import (
	"fmt"
	"strings"
)

type HardwareDeviceType int

const (
	// the values are libav's enum AVHWDeviceType:
	HardwareDeviceTypeNone         = HardwareDeviceType(0x0)
	HardwareDeviceTypeVDPAU        = HardwareDeviceType(0x1)
	HardwareDeviceTypeCUDA         = HardwareDeviceType(0x2)
	HardwareDeviceTypeVAAPI        = HardwareDeviceType(0x3)
	HardwareDeviceTypeDXVA2        = HardwareDeviceType(0x4)
	HardwareDeviceTypeQSV          = HardwareDeviceType(0x5)
	HardwareDeviceTypeVideoToolbox = HardwareDeviceType(0x6)
	HardwareDeviceTypeD3D11VA      = HardwareDeviceType(0x7)
	HardwareDeviceTypeDRM          = HardwareDeviceType(0x8)
	HardwareDeviceTypeOpenCL       = HardwareDeviceType(0x9)
	HardwareDeviceTypeMediaCodec   = HardwareDeviceType(0xa)
	HardwareDeviceTypeVulkan       = HardwareDeviceType(0xb)
)

func (r HardwareDeviceType) String() string {
	switch r {
	case HardwareDeviceTypeNone:
		return "none"
	case HardwareDeviceTypeCUDA:
		return "cuda"
	case HardwareDeviceTypeDRM:
		return "drm"
	case HardwareDeviceTypeDXVA2:
		return "dxva2"
	case HardwareDeviceTypeD3D11VA:
		return "d3d11va"
	case HardwareDeviceTypeOpenCL:
		return "opencl"
	case HardwareDeviceTypeQSV:
		return "qsv"
	case HardwareDeviceTypeVAAPI:
		return "vaapi"
	case HardwareDeviceTypeVDPAU:
		return "vdpau"
	case HardwareDeviceTypeVideoToolbox:
		return "videotoolbox"
	case HardwareDeviceTypeMediaCodec:
		return "mediacodec"
	case HardwareDeviceTypeVulkan:
		return "vulkan"
	}
	return fmt.Sprintf("unknown_%X", int64(r))
}

// HardwarePixelFormat is the pixel format of frames resident on a device of this type.
func (r HardwareDeviceType) HardwarePixelFormat() PixelFormat {
	switch r {
	case HardwareDeviceTypeVAAPI:
		return PixelFormatVAAPI
	case HardwareDeviceTypeDRM:
		return PixelFormatDRMPrime
	case HardwareDeviceTypeCUDA:
		return PixelFormatCUDA
	case HardwareDeviceTypeQSV:
		return PixelFormatQSV
	}
	return PixelFormatNone
}

func HardwareDeviceTypeFromString(s string) (HardwareDeviceType, error) {
	s = strings.Trim(strings.ToLower(s), " \"\n\r\t")
	if s == "" {
		return HardwareDeviceTypeNone, nil
	}
	for candidate := HardwareDeviceTypeNone; candidate <= HardwareDeviceTypeVulkan; candidate++ {
		if candidate.String() == s {
			return candidate, nil
		}
	}
	return HardwareDeviceTypeNone, fmt.Errorf("unknown hardware device type: '%s'", s)
}

func (r HardwareDeviceType) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *HardwareDeviceType) UnmarshalText(b []byte) error {
	v, err := HardwareDeviceTypeFromString(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// HardwareDeviceName is the device path, e.g. "/dev/dri/renderD128".
type HardwareDeviceName string
