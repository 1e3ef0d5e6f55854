// Package apperrors defines the typed error envelope used for every
// client-facing error response the proxy emits.
package apperrors

import "encoding/json"

// Error is a standardized error shape, mirroring the Gemini error envelope
// so that clients already speaking that protocol see a familiar structure
// regardless of which internal component rejected the request.
type Error struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"-"`
	Type       string `json:"-"`
	Message    string `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// Envelope renders the error in Gemini's nested error-object shape.
func (e *Error) Envelope() []byte {
	body := struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}{}
	body.Error.Code = e.HTTPStatus
	body.Error.Message = e.Message
	body.Error.Status = e.Type
	b, _ := json.Marshal(body)
	return b
}

func NotFound(message string) *Error {
	return &Error{HTTPStatus: 404, Code: "not_found", Type: "NOT_FOUND", Message: message}
}

func RateLimited(message string) *Error {
	return &Error{HTTPStatus: 429, Code: "rate_limited", Type: "RESOURCE_EXHAUSTED", Message: message}
}

func AdmissionRejected(message string) *Error {
	return &Error{HTTPStatus: 500, Code: "admission_rejected", Type: "INTERNAL", Message: message}
}

func Exhausted(message string) *Error {
	return &Error{HTTPStatus: 503, Code: "credential_exhausted", Type: "UNAVAILABLE", Message: message}
}

func Internal(message string) *Error {
	return &Error{HTTPStatus: 500, Code: "internal", Type: "INTERNAL", Message: message}
}
