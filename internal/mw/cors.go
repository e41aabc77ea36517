package mw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// CORS 基于配置的来源白名单处理跨域请求，允许携带 cookie；dev 环境放行所有来源。
func CORS(env string, origins []string) gin.HandlerFunc {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
	if env == "dev" {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	h := cors.New(opts)
	return func(c *gin.Context) {
		h.HandlerFunc(c.Writer, c.Request)
		// 预检请求由 rs/cors 直接写回
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			if !c.Writer.Written() {
				c.Writer.WriteHeader(http.StatusNoContent)
			}
			c.Abort()
			return
		}
		c.Next()
	}
}
