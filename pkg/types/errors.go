package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during request parsing)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// ConnectorError — classified failure from the execution core
// ──────────────────────────────────────────────────────────────────────────────

type ErrorCode string

const (
	CodeNotConnected   ErrorCode = "NOT_CONNECTED"
	CodeAuthFailed     ErrorCode = "AUTH_FAILED"
	CodeConnectFailed  ErrorCode = "CONNECT_FAILED"
	CodeQueryFailed    ErrorCode = "QUERY_FAILED"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeCrypto         ErrorCode = "CRYPTO_ERROR"
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	CodeBroker         ErrorCode = "BROKER_ERROR"
)

// ConnectorError carries the taxonomy code for a failed connector operation.
// Messages never contain credential material.
type ConnectorError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func ErrNotConnected(what string) *ConnectorError {
	return &ConnectorError{Code: CodeNotConnected, Message: fmt.Sprintf("%s is not connected", what)}
}

func ErrAuthFailed(what string) *ConnectorError {
	return &ConnectorError{Code: CodeAuthFailed, Message: fmt.Sprintf("authentication to %s failed", what)}
}

func ErrConnectFailed(what, detail string) *ConnectorError {
	return &ConnectorError{Code: CodeConnectFailed, Message: fmt.Sprintf("connecting to %s failed: %s", what, detail), Retryable: true}
}

func ErrQueryFailed(detail string) *ConnectorError {
	return &ConnectorError{Code: CodeQueryFailed, Message: detail}
}

func ErrTimeout(what string) *ConnectorError {
	return &ConnectorError{Code: CodeTimeout, Message: fmt.Sprintf("%s timed out", what), Retryable: true}
}

func ErrCrypto(detail string) *ConnectorError {
	return &ConnectorError{Code: CodeCrypto, Message: detail}
}

func ErrSessionExpired() *ConnectorError {
	return &ConnectorError{Code: CodeSessionExpired, Message: "authorization link expired or already used, try again"}
}

func ErrBroker(provider string, err error) *ConnectorError {
	return &ConnectorError{Code: CodeBroker, Message: fmt.Sprintf("broker call for %s failed: %v", provider, err), Retryable: true}
}

// CodeOf extracts the taxonomy code from an error chain, or "" if the error
// is not a ConnectorError.
func CodeOf(err error) ErrorCode {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError — structured error returned to callers
// ──────────────────────────────────────────────────────────────────────────────

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	HTTPCode  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response writer.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPCode)
	_ = json.NewEncoder(w).Encode(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Common error constructors
// ──────────────────────────────────────────────────────────────────────────────

func ErrBadRequest(msg string) *APIError {
	return &APIError{Code: "BAD_REQUEST", Message: msg, HTTPCode: http.StatusBadRequest}
}

func ErrValidation(err error) *APIError {
	return &APIError{Code: "VALIDATION_ERROR", Message: err.Error(), HTTPCode: http.StatusUnprocessableEntity}
}

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, HTTPCode: http.StatusUnauthorized}
}

func ErrNotFound(msg string) *APIError {
	return &APIError{Code: "NOT_FOUND", Message: msg, HTTPCode: http.StatusNotFound}
}

func ErrConflict(msg string) *APIError {
	return &APIError{Code: "CONFLICT", Message: msg, HTTPCode: http.StatusConflict}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Code: "INTERNAL_ERROR", Message: msg, Retryable: true, HTTPCode: http.StatusInternalServerError}
}

func ErrRateLimited() *APIError {
	return &APIError{Code: "RATE_LIMITED", Message: "too many requests", Retryable: true, HTTPCode: http.StatusTooManyRequests}
}

// APIErrorFrom maps a core error onto the HTTP surface. ConnectorError codes
// keep their taxonomy code; anything else becomes an internal error.
func APIErrorFrom(err error) *APIError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrValidation(ve)
	}
	var ce *ConnectorError
	if !errors.As(err, &ce) {
		return ErrInternal("request failed")
	}
	httpCode := http.StatusBadGateway
	switch ce.Code {
	case CodeNotConnected:
		httpCode = http.StatusNotFound
	case CodeAuthFailed:
		httpCode = http.StatusBadRequest
	case CodeSessionExpired:
		httpCode = http.StatusGone
	case CodeTimeout:
		httpCode = http.StatusGatewayTimeout
	case CodeCrypto:
		httpCode = http.StatusInternalServerError
	}
	return &APIError{Code: string(ce.Code), Message: ce.Message, Retryable: ce.Retryable, HTTPCode: httpCode}
}
