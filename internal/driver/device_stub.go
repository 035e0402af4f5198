//go:build !linux

package driver

import "errors"

// ErrUnsupported is returned on platforms without the filter module.
var ErrUnsupported = errors.New("filter device not supported on this platform")

// Device is unavailable off linux; use the loopback driver instead.
type Device struct{}

// DefaultDevicePath is unused off linux.
const DefaultDevicePath = ""

// OpenDevice always fails off linux.
func OpenDevice(path string) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) WriteApp(buf []byte, remove bool) error    { return ErrUnsupported }
func (d *Device) WriteConf(buf []byte, onlyFlags bool) error { return ErrUnsupported }
func (d *Device) Close() error                               { return nil }
