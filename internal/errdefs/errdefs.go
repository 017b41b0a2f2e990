// Package errdefs defines the error taxonomy shared by the harness packages.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid setting detected before any batch runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// Configuration builds a ConfigurationError.
func Configuration(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeMismatchError reports model output whose width disagrees with the
// class count. A negative Batch means the offending batch is unknown.
type ShapeMismatchError struct {
	Want  int
	Got   int
	Batch int
}

func (e *ShapeMismatchError) Error() string {
	if e.Batch < 0 {
		return fmt.Sprintf("shape mismatch: output width %d, want %d", e.Got, e.Want)
	}
	return fmt.Sprintf("shape mismatch: batch %d has output width %d, want %d", e.Batch, e.Got, e.Want)
}

// SinkWriteError wraps a failed metric or artifact emission. It is recoverable.
type SinkWriteError struct {
	Sink string
	Name string
	Err  error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s: write %q: %v", e.Sink, e.Name, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// DeviceResourceError reports a shard that does not fit on its device.
type DeviceResourceError struct {
	Device    string
	Requested int
	Capacity  int
}

func (e *DeviceResourceError) Error() string {
	return fmt.Sprintf("device %s: shard of %d examples exceeds capacity %d", e.Device, e.Requested, e.Capacity)
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsShapeMismatch reports whether err wraps a ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	var target *ShapeMismatchError
	return errors.As(err, &target)
}

// IsSinkWrite reports whether err wraps a SinkWriteError.
func IsSinkWrite(err error) bool {
	var target *SinkWriteError
	return errors.As(err, &target)
}

// IsDeviceResource reports whether err wraps a DeviceResourceError.
func IsDeviceResource(err error) bool {
	var target *DeviceResourceError
	return errors.As(err, &target)
}
