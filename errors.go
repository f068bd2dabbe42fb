package fatimage

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseFATImageError string

const rootError = baseFATImageError("")

var ErrCalculationFailed = rootError.WithMessage("Capacity calculation failed")
var ErrFileTooLarge = rootError.WithMessage("File too large")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrInvalidName = rootError.WithMessage("Invalid file name")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrNoSpaceOnDevice = rootError.WithMessage("No space left on device")
var ErrNotADirectory = rootError.WithMessage("Not a directory")
var ErrReadFailed = rootError.WithMessage("Failed to read source tree")

func (e baseFATImageError) Error() string {
	return string(e)
}

func (e baseFATImageError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e baseFATImageError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

// WithPath refines `err` with the path of the source entry that caused it, and
// chains `cause` underneath if it isn't nil.
func WithPath(err DriverError, path string, cause error) DriverError {
	tagged := err.WithMessage(fmt.Sprintf("`%s`", path))
	if cause == nil {
		return tagged
	}
	return tagged.Wrap(cause)
}
