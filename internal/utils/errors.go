package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a failed HTTP exchange: Code is the HTTP status returned by
// the server, Message its error text.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Code: %d, Message: %s", e.Code, e.Message)
}

func New(code int, message string) error {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// IsUnauthorized reports whether err carries a 401 from the server.
func IsUnauthorized(err error) bool {
	return HasCode(err, http.StatusUnauthorized)
}

// HasCode reports whether err wraps an APIError with the given status.
func HasCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
