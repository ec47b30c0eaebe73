//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealLines is not available on non-Linux platforms.
type RealLines struct{}

// NewRealLines returns an error on non-Linux platforms.
func NewRealLines() (*RealLines, error) {
	return nil, errUnsupported
}

// Watch is not implemented on non-Linux platforms.
func (r *RealLines) Watch(EdgeHandler) error { return errUnsupported }

// ConfigureMaster is not implemented on non-Linux platforms.
func (r *RealLines) ConfigureMaster() error { return errUnsupported }

// ConfigureSlave is not implemented on non-Linux platforms.
func (r *RealLines) ConfigureSlave() error { return errUnsupported }

// Set is not implemented on non-Linux platforms.
func (r *RealLines) Set(Line, bool) error { return errUnsupported }

// Get is not implemented on non-Linux platforms.
func (r *RealLines) Get(Line) (bool, error) { return false, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (r *RealLines) Close() error {
	return nil
}
