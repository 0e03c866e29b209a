package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 错误码
const (
	CodeAuth             = "AUTH_ERROR"
	CodeValidation       = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNotFound         = "NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// RelayError 单个事件范围内的错误，会以 error 帧回给发起连接
type RelayError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatus 错误码对应的HTTP状态码
func (e *RelayError) HTTPStatus() int {
	switch e.Code {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Is 按错误码比较
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	return ok && t.Code == e.Code && t.Message == ""
}

// 用于 errors.Is 的哨兵
var (
	ErrAuth             = &RelayError{Code: CodeAuth}
	ErrValidation       = &RelayError{Code: CodeValidation}
	ErrRateLimited      = &RelayError{Code: CodeRateLimited}
	ErrNotFound         = &RelayError{Code: CodeNotFound}
	ErrStoreUnavailable = &RelayError{Code: CodeStoreUnavailable}
	ErrInternal         = &RelayError{Code: CodeInternal}
)

func NewAuthError(err error) *RelayError {
	return &RelayError{Code: CodeAuth, Message: "authentication failed", Err: err}
}

func NewValidationError(format string, args ...interface{}) *RelayError {
	return &RelayError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NewRateLimitError(event string, err error) *RelayError {
	return &RelayError{Code: CodeRateLimited, Message: "rate limit exceeded for " + event, Err: err}
}

func NewNotFoundError(format string, args ...interface{}) *RelayError {
	return &RelayError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewStoreUnavailableError 共享存储不可达，客户端可重试
func NewStoreUnavailableError(err error) *RelayError {
	return &RelayError{Code: CodeStoreUnavailable, Message: "shared store unavailable", Retryable: true, Err: err}
}

func NewInternalError(err error) *RelayError {
	return &RelayError{Code: CodeInternal, Message: "internal error", Err: err}
}

// AsRelayError 把任意错误归类为 RelayError
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewStoreUnavailableError(err)
	}
	return NewInternalError(err)
}

// ToPayload 转成 error 帧内容
func (e *RelayError) ToPayload(event, ackID string) ErrorPayload {
	return ErrorPayload{
		AckID:   ackID,
		Event:   event,
		Code:    e.Code,
		Message: e.Message,
	}
}
