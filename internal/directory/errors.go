package directory

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/block-directory/block-directory/internal/auth"
)

// Error codes returned in the error envelope.
const (
	CodeCannotView       = "rest_block_directory_cannot_view"
	CodeUpstreamFailed   = "plugins_api_failed"
	CodeInvalidParam     = "rest_invalid_param"
	CodeMissingParam     = "rest_missing_callback_param"
	CodeInternal         = "rest_internal_error"
	messageCannotView    = "Sorry, you are not allowed to browse the block directory."
	messageUpstreamError = "An unexpected error occurred while querying the block directory."
)

// Error is a request-level failure with the HTTP status it maps to.
type Error struct {
	Code    string
	Message string
	Status  int
	// Param names the offending request parameter, if any
	Param string
	// Details carries the upstream cause for internal errors
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorUnauthorized is returned when the caller may not browse the directory.
// Anonymous callers get 401, authenticated callers lacking a capability get 403.
func ErrorUnauthorized(caller auth.Caller) *Error {
	status := http.StatusUnauthorized
	if caller.Authenticated {
		status = http.StatusForbidden
	}
	return &Error{Code: CodeCannotView, Message: messageCannotView, Status: status}
}

// ErrorUpstream wraps a catalog failure.
func ErrorUpstream(cause error) *Error {
	e := &Error{Code: CodeUpstreamFailed, Message: messageUpstreamError, Status: http.StatusInternalServerError}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// ErrorInvalidParam reports a request parameter that failed validation.
func ErrorInvalidParam(param, message string) *Error {
	return &Error{
		Code:    CodeInvalidParam,
		Message: "Invalid parameter(s): " + param,
		Status:  http.StatusBadRequest,
		Param:   param,
		Details: message,
	}
}

// ErrorMissingParam reports a required parameter that was not supplied.
func ErrorMissingParam(param string) *Error {
	return &Error{
		Code:    CodeMissingParam,
		Message: "Missing parameter(s): " + param,
		Status:  http.StatusBadRequest,
		Param:   param,
	}
}

// MalformedRecordError marks a catalog record that cannot be turned into an
// Item. It never reaches the client; the record is skipped.
type MalformedRecordError struct {
	Slug   string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed catalog record %q: %s", e.Slug, e.Reason)
}

func itoa(n int) string { return strconv.Itoa(n) }
