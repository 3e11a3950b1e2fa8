package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/pageviews/utils"
)

// ContextOperatorKey stores the authenticated operator name in Gin context.
const ContextOperatorKey = "operator"

// AdminRequired ensures the request carries a valid admin JWT signed with
// secret. An empty secret disables the protected routes entirely.
func AdminRequired(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if secret == "" {
			utils.Error(ctx, http.StatusForbidden, utils.CodeForbidden, "admin api disabled")
			ctx.Abort()
			return
		}

		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "authorization header missing")
			ctx.Abort()
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		tokenString = strings.TrimSpace(tokenString)
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			utils.Error(ctx, http.StatusUnauthorized, 40102, "invalid authorization header format")
			ctx.Abort()
			return
		}

		claims, err := utils.ParseToken(secret, tokenString)
		if err != nil {
			utils.Error(ctx, http.StatusUnauthorized, utils.CodeInvalidToken, "invalid token")
			ctx.Abort()
			return
		}
		if claims.Role != utils.RoleAdmin {
			utils.Error(ctx, http.StatusForbidden, utils.CodeForbidden, "admin role required")
			ctx.Abort()
			return
		}

		ctx.Set(ContextOperatorKey, claims.Subject)
		ctx.Next()
	}
}
