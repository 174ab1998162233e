package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

// ErrorCode is a stable, client-facing error identifier for the HTTP
// envelope described in spec.md §6/§7.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeFileIsScanned    ErrorCode = "FILE_IS_SCANNED"
	CodeInsufficientText ErrorCode = "INSUFFICIENT_TEXT"
	CodeSessionExists    ErrorCode = "SESSION_EXISTS"
	CodeSessionNotActive ErrorCode = "SESSION_NOT_ACTIVE"
	CodeUpdateFailed     ErrorCode = "UPDATE_FAILED"
	CodeVersionNotFound  ErrorCode = "VERSION_NOT_FOUND"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeAIError          ErrorCode = "AI_ERROR"
	CodeInternal         ErrorCode = "INTERNAL"
)

// APIError is a taxonomy-tagged error that the HTTP boundary translates
// into the {ok:false, error:{code,message,details}} envelope.
type APIError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	cause   error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.cause }

// NewAPIError builds a taxonomy error with an optional details map.
func NewAPIError(code ErrorCode, message string, details map[string]any) *APIError {
	return &APIError{Code: code, Message: message, Details: details}
}

// WrapAPIError annotates cause with an API-facing taxonomy code.
func WrapAPIError(cause error, code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message, cause: eris.Wrap(cause, message)}
}

// AsAPIError extracts an *APIError from err's chain, if present.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
