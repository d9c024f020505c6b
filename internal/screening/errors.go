package screening

import (
	"errors"
	"fmt"
)

var (
	ErrDecode            = errors.New("image could not be decoded")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrSizeLimit         = errors.New("image exceeds size limit")

	ErrModelLoad = errors.New("model load failed")
	ErrInference = errors.New("inference failed")

	ErrNetwork           = errors.New("network error")
	ErrServer            = errors.New("server error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrTimeout           = errors.New("request timed out")
)

// ServerError is returned by the remote provider for non-2xx responses.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// IsInputError reports whether err is a client-side validation failure.
// Those are never retried; the user has to pick another image.
func IsInputError(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrSizeLimit)
}
