package apperr

import (
	"errors"
	"net/http"
)

const (
	CodeAuthRequired          = "AUTH_REQUIRED"
	CodeForbidden             = "FORBIDDEN"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeCartEmpty             = "CART_EMPTY"
	CodeComboUnavailable      = "COMBO_UNAVAILABLE"
	CodeUnsupportedMethod     = "UNSUPPORTED_PAYMENT_METHOD"
	CodeInsufficientInventory = "INSUFFICIENT_INVENTORY"
	CodeGatewayError          = "GATEWAY_ERROR"
	CodeAmountMismatch        = "AMOUNT_MISMATCH"
	CodeTransactionNotFound   = "TRANSACTION_NOT_FOUND"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeNotFound              = "NOT_FOUND"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL_ERROR"
)

// AppError is the only error shape that reaches a client. Err is kept for
// logging and is never serialized.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    any
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPError is the wire body for every failed request.
type HTTPError struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Details   any    `json:"details,omitempty"`
}

func (e *AppError) ToHTTPError() HTTPError {
	return HTTPError{Success: false, Error: e.Message, ErrorCode: e.Code, Details: e.Details}
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

func Wrap(code, message string, err error, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func (e *AppError) WithDetails(d any) *AppError {
	cp := *e
	cp.Details = d
	return &cp
}

// Internal hides err behind a generic message.
func Internal(err error) *AppError {
	return Wrap(CodeInternal, "An internal error occurred", err, http.StatusInternalServerError)
}

// As returns err as *AppError when it is one.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
