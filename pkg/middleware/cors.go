package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsAllowMethods は通知APIが受け付けるメソッド。
const corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"

// corsAllowHeaders はブラウザから送信を許可するヘッダー。
// 通知の言語はAccept-Languageでも指定できる。
const corsAllowHeaders = "Authorization, Content-Type, Accept-Language"

// CORS はエディタのフロントエンドから通知APIを呼び出すためのGinミドルウェアを返す。
// allowedOrigins に "*" を含めると全オリジンを許可する。
// 許可されたオリジンからのプリフライトには204を返し、後続のハンドラは実行しない。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
			continue
		}
		if o != "" {
			origins[o] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		c.Writer.Header().Add("Vary", "Origin")
		_, ok := origins[origin]
		if !ok && !allowAll {
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
