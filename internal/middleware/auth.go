// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"strings"

	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// ClaimsContextKey 是画像信息存入 Gin 上下文使用的键。
const ClaimsContextKey = "profileClaims"

// OptionalAuth 创建一个宽松的认证中间件：如果请求携带了合法的
// Bearer 凭证，就把画像信息放进上下文；没有凭证或凭证无效时
// 照常放行。登录与签发属于外部身份提供方，这里绝不拦截请求。
func OptionalAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.Next()
			return
		}

		claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			log.Warnf("Bearer 凭证验证失败（忽略）: %v", err)
			c.Next()
			return
		}

		c.Set(ClaimsContextKey, claims)
		c.Next()
	}
}

// ClaimsFrom 从 Gin 上下文取出画像信息，不存在时返回 nil。
func ClaimsFrom(c *gin.Context) *token.ProfileClaims {
	v, ok := c.Get(ClaimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.ProfileClaims)
	return claims
}
