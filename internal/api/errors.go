package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/onecta-bridge/internal/bridges/onecta"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternal        = "internal_error"
	ErrCodeValidation      = "validation_error"
	ErrCodeUnavailable     = "service_unavailable"
	ErrCodeGatewayNotReady = "gateway_not_ready"
	ErrCodeAuthUnavailable = "auth_unavailable"
	ErrCodeCloudError      = "cloud_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError maps a bridge error onto an HTTP status.
func writeBridgeError(w http.ResponseWriter, err error) {
	status, code := bridgeErrorStatus(err)
	writeError(w, status, code, err.Error())
}

func bridgeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, onecta.ErrUnknownDevice), errors.Is(err, onecta.ErrUnknownAccount):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, onecta.ErrDeviceInactive),
		errors.Is(err, onecta.ErrDeviceNotReady),
		errors.Is(err, onecta.ErrNoTemperatureForMode),
		errors.Is(err, onecta.ErrMissingCredentials):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, onecta.ErrInvalidCommand):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, onecta.ErrGatewayNotReady):
		return http.StatusServiceUnavailable, ErrCodeGatewayNotReady
	case errors.Is(err, onecta.ErrAuthUnavailable), errors.Is(err, onecta.ErrAuth):
		return http.StatusServiceUnavailable, ErrCodeAuthUnavailable
	case errors.Is(err, onecta.ErrGateway), errors.Is(err, onecta.ErrParse):
		return http.StatusBadGateway, ErrCodeCloudError
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
