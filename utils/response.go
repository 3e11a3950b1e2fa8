package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Business error codes carried in the response envelope.
const (
	CodeInvalidParam   = 40001
	CodeInvalidTarget  = 40002
	CodeInvalidQuery   = 40003
	CodeUnauthorized   = 40101
	CodeInvalidToken   = 40105
	CodeForbidden      = 40301
	CodeNotFound       = 40400
	CodeRateLimited    = 42901
	CodeInternal       = 50001
	CodeStorageFailure = 50301
)

// JSONResponse defines the uniform structure for API responses.
type JSONResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Respond writes a JSON response with the given status code.
func Respond(ctx *gin.Context, status int, code int, message string, data interface{}) {
	ctx.JSON(status, JSONResponse{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// Success returns a standard success response.
func Success(ctx *gin.Context, data interface{}) {
	Respond(ctx, http.StatusOK, 0, "success", data)
}

// Error returns a standard error response.
func Error(ctx *gin.Context, status int, code int, message string) {
	Respond(ctx, status, code, message, nil)
}

// Unavailable reports a storage failure without leaking driver details.
func Unavailable(ctx *gin.Context, err error) {
	Logger.Error("request failed", zap.String("path", ctx.Request.URL.Path), zap.Error(err))
	Error(ctx, http.StatusServiceUnavailable, CodeStorageFailure, "statistics temporarily unavailable")
}
