package types

import (
	"errors"
	"fmt"
)

var (
	ErrEndOfStream           = errors.New("end of stream")
	ErrFramePoolExhausted    = errors.New("hardware frame pool is exhausted")
	ErrDeviceContextReleased = errors.New("hardware device context is already released")
	ErrAlreadyReleased       = errors.New("the reference is already released")
)

type ErrDeviceUnavailable struct {
	Target string
	Err    error
}

func (e ErrDeviceUnavailable) Error() string {
	return fmt.Sprintf("capture device '%s' is unavailable: %v", e.Target, e.Err)
}

func (e ErrDeviceUnavailable) Unwrap() error {
	return e.Err
}

// ErrCaptureRead is a capture failure after streaming has started.
type ErrCaptureRead struct {
	Target string
	Err    error
}

func (e ErrCaptureRead) Error() string {
	return fmt.Sprintf("unable to read from the capture device '%s': %v", e.Target, e.Err)
}

func (e ErrCaptureRead) Unwrap() error {
	return e.Err
}

type ErrFormatNegotiation struct {
	Err error
}

func (e ErrFormatNegotiation) Error() string {
	return fmt.Sprintf("unable to negotiate the input format: %v", e.Err)
}

func (e ErrFormatNegotiation) Unwrap() error {
	return e.Err
}

type ErrDeviceContext struct {
	DeviceType HardwareDeviceType
	DevicePath HardwareDeviceName
	Err        error
}

func (e ErrDeviceContext) Error() string {
	return fmt.Sprintf("unable to create a hardware device context (%s:'%s'): %v", e.DeviceType, e.DevicePath, e.Err)
}

func (e ErrDeviceContext) Unwrap() error {
	return e.Err
}

type ErrGraphValidation struct {
	Node   string
	Reason string
}

func (e ErrGraphValidation) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("invalid filter graph: %s", e.Reason)
	}
	return fmt.Sprintf("invalid filter graph at node '%s': %s", e.Node, e.Reason)
}

type ErrDecode struct {
	Err error
}

func (e ErrDecode) Error() string {
	return fmt.Sprintf("decode error: %v", e.Err)
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

type ErrFilterProcessing struct {
	Err error
}

func (e ErrFilterProcessing) Error() string {
	return fmt.Sprintf("filter processing error: %v", e.Err)
}

func (e ErrFilterProcessing) Unwrap() error {
	return e.Err
}

type ErrEncode struct {
	Err error
}

func (e ErrEncode) Error() string {
	return fmt.Sprintf("encode error: %v", e.Err)
}

func (e ErrEncode) Unwrap() error {
	return e.Err
}

type ErrMuxWrite struct {
	Err error
}

func (e ErrMuxWrite) Error() string {
	return fmt.Sprintf("mux write error: %v", e.Err)
}

func (e ErrMuxWrite) Unwrap() error {
	return e.Err
}
