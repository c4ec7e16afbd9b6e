// Package domainerrors carries coded errors across the service boundary so the
// HTTP layer can translate outcomes without string matching.
package domainerrors

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"
	// CodeInvalidToken covers both a wrong token and a superseded generation.
	// The two are deliberately indistinguishable to callers.
	CodeInvalidToken Code = "invalid_token"
	// CodeUnavailable marks transient infrastructure failures (store or
	// outbound dispatcher); callers may retry, the core does not.
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal"
)

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a domain code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidToken:
		return http.StatusGone
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
