package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes carried in Body.Code so clients can pick a remedy without parsing messages.
const (
	CodeValidation   = "validation"
	CodeInvalidToken = "invalid_token"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeTimeout      = "timeout"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
	CodeUnavailable  = "unavailable"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Fail sends an error envelope with an explicit status and code.
func Fail(c *gin.Context, status int, code, err string) {
	c.JSON(status, Body{Success: false, Error: err, Code: code})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	Fail(c, http.StatusBadRequest, CodeValidation, err)
}

// InvalidToken sends 400 for an access token that failed to decrypt.
func InvalidToken(c *gin.Context) {
	Fail(c, http.StatusBadRequest, CodeInvalidToken, "invalid or tampered token")
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	Fail(c, http.StatusUnauthorized, CodeUnauthorized, err)
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	Fail(c, http.StatusForbidden, CodeForbidden, err)
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	Fail(c, http.StatusNotFound, CodeNotFound, err)
}

// TooManyRequests sends 429.
func TooManyRequests(c *gin.Context, err string) {
	Fail(c, http.StatusTooManyRequests, CodeRateLimited, err)
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	Fail(c, http.StatusServiceUnavailable, CodeUnavailable, err)
}

// GatewayTimeout sends 504.
func GatewayTimeout(c *gin.Context, err string) {
	Fail(c, http.StatusGatewayTimeout, CodeTimeout, err)
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	Fail(c, http.StatusInternalServerError, CodeInternal, err)
}
