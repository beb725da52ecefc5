package model

import "time"

// APIResponse is the standard response envelope for the management API.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes a management API error. Code carries the wire form
// produced by CodedError.Wire, so it may embed a hint after a "|".
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
