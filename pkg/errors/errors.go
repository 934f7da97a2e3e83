// Package errors 业务错误码，附带 HTTP 状态与是否可重试
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	CodeInvalidOrder      Code = "INVALID_ORDER"
	CodeNoLiquidity       Code = "NO_LIQUIDITY"
	CodeOrderNotFound     Code = "ORDER_NOT_FOUND"
	CodeInvalidOrderState Code = "INVALID_ORDER_STATE"
	CodeSymbolNotFound    Code = "SYMBOL_NOT_FOUND"

	// 持久化、行情等下游端口失败
	CodeDownstream Code = "DOWNSTREAM"
)

type codeInfo struct {
	status    int
	retryable bool
}

// 未列出的码按 500、不可重试处理
var codes = map[Code]codeInfo{
	CodeOK:                {status: http.StatusOK},
	CodeInvalidParam:      {status: http.StatusBadRequest},
	CodeInvalidOrder:      {status: http.StatusBadRequest},
	CodeUnauthenticated:   {status: http.StatusUnauthorized},
	CodePermissionDenied:  {status: http.StatusForbidden},
	CodeNotFound:          {status: http.StatusNotFound},
	CodeOrderNotFound:     {status: http.StatusNotFound},
	CodeSymbolNotFound:    {status: http.StatusNotFound},
	CodeInvalidOrderState: {status: http.StatusConflict},
	CodeNoLiquidity:       {status: http.StatusConflict},
	CodeUnavailable:       {status: http.StatusServiceUnavailable, retryable: true},
	CodeDownstream:        {status: http.StatusServiceUnavailable, retryable: true},
	CodeTimeout:           {status: http.StatusGatewayTimeout, retryable: true},
}

func (c Code) info() codeInfo {
	if ci, ok := codes[c]; ok {
		return ci
	}
	return codeInfo{status: http.StatusInternalServerError}
}

// Error 对外序列化为 {code,message,retryable,requestId}
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
	cause     error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.info().retryable}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap cause 保留在错误链中
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	s := "[" + string(e.Code) + "] " + e.Message
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) HTTPStatus() int { return e.Code.info().status }

// WithRequestID 返回副本
func (e *Error) WithRequestID(requestID string) *Error {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// CodeOf nil 为 OK，链中无 *Error 为 UNKNOWN
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if !stderrors.As(err, &e) {
		return CodeUnknown
	}
	return e.Code
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable 下游类错误可重投
func IsRetryable(err error) bool {
	return err != nil && CodeOf(err).info().retryable
}
