package value

import "errors"

var (
	// ErrUnsupportedMediaType is returned when a payload cannot be represented
	// in any of the requested media types or encodings.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrMalformedDiff is returned when diff operations do not fit the payload.
	ErrMalformedDiff = errors.New("malformed diff")
)
