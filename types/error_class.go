package types

import (
	"errors"
)

type ErrorClass int

const (
	ErrorClassUnknown = ErrorClass(iota)
	ErrorClassEndOfStream
	ErrorClassStartup
	ErrorClassRuntime
	ErrorClassResource
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassUnknown:
		return "unknown"
	case ErrorClassEndOfStream:
		return "end_of_stream"
	case ErrorClassStartup:
		return "startup"
	case ErrorClassRuntime:
		return "runtime"
	case ErrorClassResource:
		return "resource"
	}
	return "ErrorClass(invalid)"
}

// IsFatal: everything except a clean end of stream aborts streaming.
func (c ErrorClass) IsFatal() bool {
	return c != ErrorClassEndOfStream
}

// Classify maps an error onto the pipeline error taxonomy:
//
//	startup:  ErrDeviceUnavailable, ErrFormatNegotiation, ErrDeviceContext, ErrGraphValidation
//	runtime:  ErrCaptureRead, ErrDecode, ErrFilterProcessing, ErrEncode, ErrMuxWrite
//	resource: ErrFramePoolExhausted, ErrDeviceContextReleased, ErrAlreadyReleased
//
// Resource errors take precedence, since a runtime error may wrap one.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrFramePoolExhausted),
		errors.Is(err, ErrDeviceContextReleased),
		errors.Is(err, ErrAlreadyReleased):
		return ErrorClassResource
	case errors.As(err, &ErrDeviceUnavailable{}),
		errors.As(err, &ErrFormatNegotiation{}),
		errors.As(err, &ErrDeviceContext{}),
		errors.As(err, &ErrGraphValidation{}):
		return ErrorClassStartup
	case errors.As(err, &ErrCaptureRead{}),
		errors.As(err, &ErrDecode{}),
		errors.As(err, &ErrFilterProcessing{}),
		errors.As(err, &ErrEncode{}),
		errors.As(err, &ErrMuxWrite{}):
		return ErrorClassRuntime
	case errors.Is(err, ErrEndOfStream):
		return ErrorClassEndOfStream
	}
	return ErrorClassUnknown
}
