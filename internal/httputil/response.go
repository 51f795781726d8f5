package httputil

import (
	"encoding/json"
	"net/http"
)

// Response /api 接口统一响应
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON 按状态码输出 JSON
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// WriteError 输出失败响应
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Response{Success: false, Message: message})
}

// WriteFailure 失败响应，附带错误信息
func WriteFailure(w http.ResponseWriter, status int, message string, err error) {
	WriteJSON(w, status, Response{Success: false, Message: message, Error: err.Error()})
}

// DecodeJSON 解析请求体
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
