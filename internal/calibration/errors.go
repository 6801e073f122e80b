package calibration

import "errors"

// Store errors. Load and Save wrap these with the path and the underlying
// cause, so callers match them with errors.Is.
var (
	ErrNotFound      = errors.New("calibration file not found")
	ErrMalformedData = errors.New("calibration data malformed")
	ErrUnreadable    = errors.New("calibration file unreadable")
	ErrWriteFailure  = errors.New("calibration file write failed")
)

// Transform errors.
var (
	ErrMissingCoefficient = errors.New("missing calibration coefficient")
	ErrUnknownSensorType  = errors.New("unknown sensor type")
)

// IsStoreError reports whether err came from loading or saving the
// calibration file rather than from applying a transform.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMalformedData) ||
		errors.Is(err, ErrUnreadable) ||
		errors.Is(err, ErrWriteFailure)
}
