package types

import "fmt"

// ErrorCode identifies a security-domain failure. Codes are stable wire
// values: they appear in audit log entries and in results returned to
// callers, so renaming one is a breaking change.
type ErrorCode string

// Verification pipeline error codes
const (
	ErrCodeMalformedRequest ErrorCode = "malformed_request"
	ErrCodeMissingHeaders   ErrorCode = "missing_headers"
	ErrCodeAgentNotFound    ErrorCode = "agent_not_found"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeMessageExpired   ErrorCode = "message_expired"
	ErrCodeNonceReused      ErrorCode = "nonce_reused"
	ErrCodeWrongRecipient   ErrorCode = "wrong_recipient"
)

// Authorization error codes
const (
	ErrCodeUnauthorized            ErrorCode = "unauthorized"
	ErrCodeUnauthorizedAction      ErrorCode = "unauthorized_action"
	ErrCodeInsufficientPermissions ErrorCode = "insufficient_permissions"
)

// Envelope and system error codes
const (
	ErrCodeMessageTooLarge ErrorCode = "message_too_large"
	ErrCodeInternalError   ErrorCode = "internal_error"
	ErrCodeUnknownError    ErrorCode = "unknown_error"
)

// knownErrorCodes is the closed set of codes permitted in audit entries.
// Anything outside it is replaced with ErrCodeUnknownError before writing.
var knownErrorCodes = map[ErrorCode]bool{
	ErrCodeMalformedRequest:        true,
	ErrCodeMissingHeaders:          true,
	ErrCodeAgentNotFound:           true,
	ErrCodeInvalidSignature:        true,
	ErrCodeMessageExpired:          true,
	ErrCodeNonceReused:             true,
	ErrCodeWrongRecipient:          true,
	ErrCodeUnauthorized:            true,
	ErrCodeUnauthorizedAction:      true,
	ErrCodeInsufficientPermissions: true,
	ErrCodeMessageTooLarge:         true,
	ErrCodeInternalError:           true,
	ErrCodeUnknownError:            true,
}

// IsKnownErrorCode reports whether code is part of the closed taxonomy.
func IsKnownErrorCode(code ErrorCode) bool {
	return knownErrorCodes[code]
}

// SanitizeErrorCode maps any unrecognized code to ErrCodeUnknownError so
// unvetted failure detail never leaks into persisted logs. An empty code
// stays empty (success entries carry no error code).
func SanitizeErrorCode(code ErrorCode) ErrorCode {
	if code == "" || knownErrorCodes[code] {
		return code
	}
	return ErrCodeUnknownError
}

// SecurityError is a structured error carrying an ErrorCode. It is the
// only error type SecureChannel surfaces for expected denials.
type SecurityError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SecurityError) Unwrap() error {
	return e.Cause
}

// NewSecurityError creates a SecurityError with the given code and message.
func NewSecurityError(code ErrorCode, message string) *SecurityError {
	return &SecurityError{Code: code, Message: message}
}

// WithCause attaches a cause to the error.
func (e *SecurityError) WithCause(cause error) *SecurityError {
	e.Cause = cause
	return e
}

// CodeOf extracts the ErrorCode from an error, or ErrCodeInternalError
// when the error is not a SecurityError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if se, ok := err.(*SecurityError); ok {
		return se.Code
	}
	return ErrCodeInternalError
}
