package iso8583

import "errors"

// Codec errors. Frame errors are connection-fatal; ErrIncompleteFrame is the
// one recoverable case and means "wait for more bytes".
var (
	ErrIncompleteFrame = errors.New("incomplete frame")
	ErrFrameMalformed  = errors.New("malformed frame")
	ErrFrameTooLarge   = errors.New("frame exceeds size ceiling")

	ErrInvalidMTI          = errors.New("invalid message type indicator")
	ErrInvalidBitmap       = errors.New("invalid bitmap")
	ErrInvalidLengthHeader = errors.New("invalid length header")
	ErrInvalidFieldLength  = errors.New("invalid field length")

	ErrFieldOutOfRange   = errors.New("field number out of range")
	ErrFieldNotPresent   = errors.New("field not present")
	ErrFieldNotSpecified = errors.New("no specification for field")
	ErrValueTooLong      = errors.New("value exceeds field capacity")
)
