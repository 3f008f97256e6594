package httpapi

import (
	"fmt"
	"net/http"
)

// Stable error codes carried in the response envelope. The auth and rate
// limiting middleware emit their own codes (unauthorized, forbidden,
// rate_limited) in the same envelope shape.
const (
	codeValidation         = "validation_error"
	codeNotFound           = "not_found"
	codeInternal           = "internal"
	codeRuntimeUnavailable = "runtime_unavailable"
)

// apiError maps an error onto one HTTP error envelope.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.message) }

func badRequest(format string, args ...interface{}) *apiError {
	return &apiError{
		status:  http.StatusBadRequest,
		code:    codeValidation,
		message: fmt.Sprintf(format, args...),
	}
}

func notFound(message string) *apiError {
	return &apiError{status: http.StatusNotFound, code: codeNotFound, message: message}
}

func internalError(message string) *apiError {
	return &apiError{status: http.StatusInternalServerError, code: codeInternal, message: message}
}

func runtimeUnavailable(message string) *apiError {
	return &apiError{status: http.StatusServiceUnavailable, code: codeRuntimeUnavailable, message: message}
}
