package types

// PixelFormat is a libav pixel format name ("nv12", "bgr0", "vaapi", ...).
type PixelFormat string

const (
	PixelFormatNone     = PixelFormat("")
	PixelFormatNV12     = PixelFormat("nv12")
	PixelFormatYUV420P  = PixelFormat("yuv420p")
	PixelFormatBGR0     = PixelFormat("bgr0")
	PixelFormatBGRA     = PixelFormat("bgra")
	PixelFormatRGBA     = PixelFormat("rgba")
	PixelFormatVAAPI    = PixelFormat("vaapi")
	PixelFormatDRMPrime = PixelFormat("drm_prime")
	PixelFormatCUDA     = PixelFormat("cuda")
	PixelFormatQSV      = PixelFormat("qsv")
)

// IsHardware reports whether frames of this format live in accelerator memory.
func (f PixelFormat) IsHardware() bool {
	switch f {
	case PixelFormatVAAPI, PixelFormatDRMPrime, PixelFormatCUDA, PixelFormatQSV:
		return true
	}
	return false
}

func (f PixelFormat) String() string {
	if f == PixelFormatNone {
		return "none"
	}
	return string(f)
}
