package api

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a request failure with a definite wire status. Handlers
// return these for caller-correctable conditions; anything else is
// reported as a generic 500 without leaking internals.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func validationError(format string, args ...interface{}) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func authError(message string) *HTTPError {
	return &HTTPError{Status: http.StatusUnauthorized, Message: message}
}

func forbiddenError(message string) *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, Message: message}
}

// writeError maps an error to the wire. Unrecognized errors become 500s
// with a fixed message so raw internals never reach the client.
func writeError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		Error(w, httpErr.Status, httpErr.Message)
		return
	}
	Error(w, http.StatusInternalServerError, "internal server error")
}
