package model

import "strings"

// Error codes crossing the process boundary. The front end resolves these
// (plus an optional hint sub-code) to localized strings, so handlers must
// emit them verbatim in the "CODE|HINT" form produced by CodedError.Wire.
const (
	ErrCodeInvalidRequest      = "ERR_INVALID_REQUEST"
	ErrCodeNoAccount           = "ERR_NO_ACCOUNT"
	ErrCodeNotFound            = "ERR_NOT_FOUND"
	ErrCodeConflict            = "ERR_CONFLICT"
	ErrCodeAuthRejected        = "ERR_AUTH_REJECTED"
	ErrCodeRateLimited         = "ERR_RATE_LIMITED"
	ErrCodeUpstreamUnavailable = "ERR_UPSTREAM_UNAVAILABLE"
	ErrCodeKeychainUnavailable = "ERR_KEYCHAIN_UNAVAILABLE"
	ErrCodeDataMigration       = "ERR_DATA_MIGRATION_FAILED"
	ErrCodeInternal            = "ERR_INTERNAL"
)

// Hint sub-codes carried alongside an error code.
const (
	HintKeychainTranslocation = "HINT_KEYCHAIN_TRANSLOCATION"
	HintKeychainDenied        = "HINT_KEYCHAIN_DENIED"
	HintKeychainUnsigned      = "HINT_KEYCHAIN_UNSIGNED"
	HintRelogin               = "HINT_RELOGIN"
	HintClearData             = "HINT_CLEAR_DATA"
)

// CodedError is an error carrying a stable code and optional hint sub-code.
// Message is free-form human text for logs; only Code and Hint are contractual.
type CodedError struct {
	Code    string
	Hint    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Wire())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CodedError) Unwrap() error { return e.Err }

// Wire renders the boundary form: "CODE|HINT", or just "CODE" without a hint.
func (e *CodedError) Wire() string {
	if e.Hint == "" {
		return e.Code
	}
	return e.Code + "|" + e.Hint
}

// NewCodedError builds a CodedError wrapping err.
func NewCodedError(code, hint, message string, err error) *CodedError {
	return &CodedError{Code: code, Hint: hint, Message: message, Err: err}
}
