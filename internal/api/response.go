package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/repo"
)

// maxBodyBytes — предел размера тела запроса.
const maxBodyBytes = 1 << 20

// ErrorCode — код ошибки API. HTTP-статус выводится из кода.
type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeInvalidEvent      ErrorCode = "INVALID_EVENT"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeTenantMismatch    ErrorCode = "TENANT_MISMATCH"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnknownEventType  ErrorCode = "UNKNOWN_EVENT_TYPE"
	ErrCodeMethodNotAllow    ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeInvalidFlow       ErrorCode = "INVALID_FLOW"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

var codeStatus = map[ErrorCode]int{
	ErrCodeBadRequest:        http.StatusBadRequest,
	ErrCodeInvalidEvent:      http.StatusBadRequest,
	ErrCodeForbidden:         http.StatusForbidden,
	ErrCodeTenantMismatch:    http.StatusForbidden,
	ErrCodeNotFound:          http.StatusNotFound,
	ErrCodeUnknownEventType:  http.StatusNotFound,
	ErrCodeMethodNotAllow:    http.StatusMethodNotAllowed,
	ErrCodeConflict:          http.StatusConflict,
	ErrCodeInvalidState:      http.StatusUnprocessableEntity,
	ErrCodeInvalidFlow:       http.StatusUnprocessableEntity,
	ErrCodeInvalidTransition: http.StatusUnprocessableEntity,
	ErrCodeInternalError:     http.StatusInternalServerError,
}

// Status возвращает HTTP-статус кода. Неизвестный код — 500.
func (c ErrorCode) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorResponse — тело ответа с ошибкой: {"error": {code, message}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — {"data": ...}.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — {"data": [...], "total": n}.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON пишет ответ с заданным статусом.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success — 200 с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created — 201.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted — 202: запрос записан, обработка асинхронная.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// NoContent — 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List — 200 со списком и total.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error пишет ошибку с кодом; статус берётся из кода.
func Error(w http.ResponseWriter, code ErrorCode, message string) {
	JSON(w, code.Status(), ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string)   { Error(w, ErrCodeBadRequest, message) }
func Forbidden(w http.ResponseWriter, message string)    { Error(w, ErrCodeForbidden, message) }
func NotFound(w http.ResponseWriter, message string)     { Error(w, ErrCodeNotFound, message) }
func Conflict(w http.ResponseWriter, message string)     { Error(w, ErrCodeConflict, message) }
func InvalidState(w http.ResponseWriter, message string) { Error(w, ErrCodeInvalidState, message) }

// MethodNotAllowed — 405.
func MethodNotAllowed(w http.ResponseWriter) {
	Error(w, ErrCodeMethodNotAllow, "method not allowed")
}

// InternalError логирует err и отвечает 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, ErrCodeInternalError, "internal server error")
}

// errorCode сопоставляет ошибку хранилища или домена коду API.
// Ошибки без известной причины — INTERNAL_ERROR.
func errorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, repo.ErrAlreadyExists), errors.Is(err, repo.ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		return ErrCodeInvalidTransition
	case errors.Is(err, errInvalidFlow), errors.Is(err, engine.ErrConfig):
		return ErrCodeInvalidFlow
	case errors.Is(err, repo.ErrInvalidState):
		return ErrCodeInvalidState
	default:
		return ErrCodeInternalError
	}
}

// HandleRepoError пишет ответ для err и возвращает true, если err != nil.
// notFoundMsg заменяет текст ошибки для NOT_FOUND.
func HandleRepoError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	code := errorCode(err)
	switch code {
	case ErrCodeInternalError:
		InternalError(w, logger, err)
	case ErrCodeNotFound:
		if notFoundMsg == "" {
			notFoundMsg = "not found"
		}
		NotFound(w, notFoundMsg)
	default:
		Error(w, code, err.Error())
	}
	return true
}

// decodeJSON читает тело запроса в v. Неизвестные поля запрещены.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// queryInt читает неотрицательный целый query-параметр.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}
