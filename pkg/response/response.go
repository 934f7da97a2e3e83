// Package response HTTP 响应辅助
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/exchange/bourse/pkg/errors"
)

// RequestIDFromRequest 从请求头读取请求 ID
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(RequestIDHeader))
}

// WriteJSON 写 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError 按错误码写结构化错误
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	appErr, ok := err.(*apperrors.Error)
	if !ok {
		code := apperrors.CodeOf(err)
		if code == apperrors.CodeUnknown {
			code = apperrors.CodeInternal
		}
		appErr = apperrors.New(code, err.Error())
	}
	if reqID := RequestIDFromRequest(r); reqID != "" {
		appErr = appErr.WithRequestID(reqID)
	}
	WriteJSON(w, appErr.HTTPStatus(), appErr)
}

// WriteErrorCode 按错误码和信息写错误
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apperrors.Code, message string) {
	WriteError(w, r, apperrors.New(code, message))
}
