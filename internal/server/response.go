package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"demeet/internal/auth"
	"demeet/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// respond 写出统一的成功响应。
func respond(c *gin.Context, status int, data any, msg string) {
	c.JSON(status, gin.H{"statusCode": status, "success": true, "message": msg, "data": data})
}

// badRequest 包装请求绑定/校验失败。
type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

func bindError(err error) error { return &badRequest{err: err} }

func fieldErrors(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{}
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := fe.Field()
		if field != "" {
			field = strings.ToLower(field[:1]) + field[1:]
		}
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s: failed on '%s=%s'", field, fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Sprintf("%s: failed on '%s'", field, fe.Tag()))
		}
	}
	return out
}

// classify 将错误映射为 HTTP 状态码与对外消息；未知错误不暴露细节。
func classify(err error) (int, string, []string) {
	var br *badRequest
	if errors.As(err, &br) {
		errs := fieldErrors(err)
		if len(errs) > 0 {
			return http.StatusBadRequest, "Validation failed", errs
		}
		return http.StatusBadRequest, "Invalid request body", []string{}
	}
	msg := err.Error()
	var se *service.Error
	if errors.As(err, &se) {
		msg = se.Msg
	}
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, msg, []string{msg}
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized request", []string{}
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInvalidRefresh):
		return http.StatusUnauthorized, msg, []string{}
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, msg, []string{}
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, msg, []string{}
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, msg, []string{}
	}
	return http.StatusInternalServerError, "Internal Server Error", []string{}
}

// ErrorHandler 统一处理 handler 通过 c.Error 上报的错误。
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status, msg, errs := classify(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Msg("unhandled error")
		}
		c.JSON(status, gin.H{"statusCode": status, "success": false, "message": msg, "data": nil, "errors": errs})
	}
}
