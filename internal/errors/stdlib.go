package errors

import "errors"

// Is reports whether any error in err's chain matches target.
//
// Re-exported from the standard library so callers checking sentinel
// errors need only this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text)
}
