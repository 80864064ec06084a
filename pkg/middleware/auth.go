package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-friendgraph/pkg/auth"
	tracecontext "goim-friendgraph/pkg/context"
	"goim-friendgraph/pkg/httpx"
)

const claimsKey = "claims"

// AuthMiddleware 认证中间件配置
type AuthMiddleware struct {
	logger kratoslog.Logger
	jwtKey string
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(logger kratoslog.Logger, jwtKey string) *AuthMiddleware {
	return &AuthMiddleware{
		logger: logger,
		jwtKey: jwtKey,
	}
}

// GinAuth 校验 Bearer 令牌，把成员ID和角色放进请求上下文
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Missing authorization token", "path", c.Request.URL.Path)
			httpx.Abort(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := auth.ValidateJWT(token, am.jwtKey)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "path", c.Request.URL.Path)
			httpx.Abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(claimsKey, claims)
		ctx := tracecontext.WithUserID(c.Request.Context(), claims.MemberID)
		ctx = tracecontext.WithRole(ctx, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireRole 必须在 GinAuth 之后使用
func (am *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracecontext.GetRole(c.Request.Context()) != role {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Permission denied",
				"member_id", tracecontext.GetUserID(c.Request.Context()), "path", c.Request.URL.Path, "required", role)
			httpx.Abort(c, http.StatusForbidden, "permission denied")
			return
		}
		c.Next()
	}
}

// ClaimsFrom 取出已认证的声明
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// extractTokenFromHeader 支持 "Bearer token" 和直接的 "token"
func extractTokenFromHeader(authHeader string) string {
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}
