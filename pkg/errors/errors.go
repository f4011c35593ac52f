package errors

import (
	"context"
	"errors"
	"fmt"
)

// AppError represents an application-level error with an EIP-1193 / JSON-RPC code
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	RPCCode int    `json:"rpc_code"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so wrapped copies with different detail still compare equal.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Common error codes
const (
	ErrCodeInvalidPassword   = "invalid_password"
	ErrCodeLocked            = "locked"
	ErrCodeUserRejected      = "user_rejected"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeTimeout           = "timeout"
	ErrCodeUnsupportedMethod = "unsupported_method"
	ErrCodeConnectionLost    = "connection_lost"
	ErrCodeUnrecognizedChain = "unrecognized_chain"
	ErrCodeInvalidParams     = "invalid_params"
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeNotInitialized    = "not_initialized"
	ErrCodeAlreadyExists     = "already_exists"
	ErrCodeNotFound          = "not_found"
	ErrCodeInternalError     = "internal_error"
)

// EIP-1193 provider error codes and JSON-RPC codes
const (
	RPCUserRejected      = 4001
	RPCUnauthorized      = 4100
	RPCUnsupportedMethod = 4200
	RPCDisconnected      = 4900
	RPCChainDisconnected = 4901
	RPCUnrecognizedChain = 4902
	RPCInvalidRequest    = -32600
	RPCInvalidParams     = -32602
	RPCInternal          = -32603
	RPCLimitExceeded     = -32005
	RPCResourceNotFound  = -32001
)

// Predefined errors
var (
	// ErrInvalidPassword covers every vault unlock failure. Wrong password and
	// corrupted ciphertext are deliberately collapsed into this one value.
	ErrInvalidPassword = &AppError{
		Code:    ErrCodeInvalidPassword,
		Message: "Invalid password",
		RPCCode: RPCUnauthorized,
	}

	ErrLocked = &AppError{
		Code:    ErrCodeLocked,
		Message: "Wallet is locked",
		RPCCode: RPCUnauthorized,
	}

	ErrUserRejected = &AppError{
		Code:    ErrCodeUserRejected,
		Message: "User rejected the request",
		RPCCode: RPCUserRejected,
	}

	ErrUnauthorized = &AppError{
		Code:    ErrCodeUnauthorized,
		Message: "The requested account has not been authorized by the user",
		RPCCode: RPCUnauthorized,
	}

	ErrTimeout = &AppError{
		Code:    ErrCodeTimeout,
		Message: "Request timed out",
		RPCCode: RPCUserRejected,
	}

	ErrConnectionLost = &AppError{
		Code:    ErrCodeConnectionLost,
		Message: "Connection to the wallet was lost",
		RPCCode: RPCDisconnected,
	}

	ErrRateLimited = &AppError{
		Code:    ErrCodeRateLimited,
		Message: "Too many requests",
		RPCCode: RPCLimitExceeded,
	}

	ErrInvalidRequest = &AppError{
		Code:    ErrCodeInvalidRequest,
		Message: "Invalid request",
		RPCCode: RPCInvalidRequest,
	}

	ErrNotInitialized = &AppError{
		Code:    ErrCodeNotInitialized,
		Message: "Wallet has not been set up",
		RPCCode: RPCUnauthorized,
	}

	ErrAlreadyExists = &AppError{
		Code:    ErrCodeAlreadyExists,
		Message: "Wallet already exists",
		RPCCode: RPCInvalidRequest,
	}

	ErrNotFound = &AppError{
		Code:    ErrCodeNotFound,
		Message: "Resource not found",
		RPCCode: RPCResourceNotFound,
	}

	ErrInternalError = &AppError{
		Code:    ErrCodeInternalError,
		Message: "Internal error",
		RPCCode: RPCInternal,
	}
)

// New creates a new AppError
func New(code, message string, rpcCode int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		RPCCode: rpcCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, rpcCode int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Detail:  detail,
		RPCCode: rpcCode,
	}
}

// UnsupportedMethod creates an unsupported method error
func UnsupportedMethod(method string) *AppError {
	return &AppError{
		Code:    ErrCodeUnsupportedMethod,
		Message: fmt.Sprintf("The method %q is not supported", method),
		RPCCode: RPCUnsupportedMethod,
	}
}

// InvalidParams creates an invalid params error. The detail stays on the
// trusted side; only the message crosses the wire.
func InvalidParams(detail string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidParams,
		Message: "Invalid method parameters",
		Detail:  detail,
		RPCCode: RPCInvalidParams,
	}
}

// UnrecognizedChain creates an unrecognized chain error
func UnrecognizedChain(chainID string) *AppError {
	return &AppError{
		Code:    ErrCodeUnrecognizedChain,
		Message: fmt.Sprintf("Unrecognized chain ID %q", chainID),
		RPCCode: RPCUnrecognizedChain,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Normalize maps any error into the AppError shown to the untrusted side.
// Unknown errors become ErrInternalError so internal detail never leaks.
func Normalize(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := IsAppError(err); ok {
		return &AppError{Code: appErr.Code, Message: appErr.Message, RPCCode: appErr.RPCCode}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrTimeout.Code, Message: ErrTimeout.Message, RPCCode: ErrTimeout.RPCCode}
	}
	return &AppError{Code: ErrInternalError.Code, Message: ErrInternalError.Message, RPCCode: ErrInternalError.RPCCode}
}
