// Package errs defines the error taxonomy shared by the loader, the networks
// and the inpainter. Callers classify failures with errors.Is.
package errs

import "github.com/pkg/errors"

var (
	// ErrConfiguration reports an invalid width, height, depth or option.
	ErrConfiguration = errors.New("configuration error")

	// ErrDatasetIntegrity reports an entry missing its image or mask, or a
	// dataset left empty after filtering.
	ErrDatasetIntegrity = errors.New("dataset integrity error")

	// ErrDevice reports an unavailable compute device.
	ErrDevice = errors.New("device unavailable")

	// ErrShapeMismatch reports tensors whose dimensions disagree where they
	// must agree.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrResourceCleanup reports a failure to release loader resources.
	ErrResourceCleanup = errors.New("resource cleanup error")
)

// Configf returns an ErrConfiguration annotated with a formatted message.
func Configf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Shapef returns an ErrShapeMismatch annotated with a formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

// Integrityf returns an ErrDatasetIntegrity annotated with a formatted message.
func Integrityf(format string, args ...any) error {
	return errors.Wrapf(ErrDatasetIntegrity, format, args...)
}
