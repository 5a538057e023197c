package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	sec "PPClient/tools/security"
)

// —— context key ——
const (
	PPCtxUserKey = "authUserID" // string
)

type Options struct {
	JWT sec.Options

	// 读取哪个请求头；兼容 Authorization: Bearer xxx
	HeaderToken string // 默认 "authorization"
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:         sec.DefaultOptions(secret),
		HeaderToken: "authorization",
	}
}

// Middleware Bearer 校验；通过后把 userID 写进 gin context
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
		if token == "" {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "missing token"})
			return
		}
		userID, err := sec.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid token"})
			return
		}
		c.Set(PPCtxUserKey, userID)
		c.Next()
	}
}
