package stripe

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidArgument is returned before any network call when a required
// identifier or parameter is missing.
var ErrInvalidArgument = errors.New("stripe: invalid argument")

// Error is a failed Stripe call: either an API error response or a transport
// failure (HTTPStatus 0).
type Error struct {
	HTTPStatus int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Param      string `json:"param"`
	Message    string `json:"message"`
	RequestID  string `json:"-"`

	err error
}

func (e *Error) Error() string {
	if e.HTTPStatus == 0 {
		return fmt.Sprintf("stripe request failed: %s", e.Message)
	}
	return fmt.Sprintf("stripe API error (%d): %s", e.HTTPStatus, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsNotFound reports whether err is a Stripe "resource missing" response.
func IsNotFound(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.HTTPStatus == http.StatusNotFound || se.Code == "resource_missing"
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
