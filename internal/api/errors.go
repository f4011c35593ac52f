package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

// ErrorResponse is the body of every failed call
type ErrorResponse struct {
	Error *apperrors.AppError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the normalized form of err. Detail and wrapped
// causes stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	appErr := apperrors.Normalize(err)
	writeJSON(w, httpStatus(appErr.Code), ErrorResponse{Error: appErr})
}

func httpStatus(code string) int {
	switch code {
	case apperrors.ErrCodeInvalidParams, apperrors.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case apperrors.ErrCodeInvalidPassword:
		return http.StatusUnauthorized
	case apperrors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyExists, apperrors.ErrCodeNotInitialized:
		return http.StatusConflict
	case apperrors.ErrCodeLocked:
		return http.StatusLocked
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
