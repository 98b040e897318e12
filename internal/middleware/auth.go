package middleware

import (
	"strings"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/model"
	"qa_lab_backend/internal/util"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if tokenString == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(tokenString, cfg.JWT.Secret)
		if err != nil {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		c.Set("user", claims)
		c.Next()
	}
}

func RoleMiddleware(roles ...model.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := util.GetUserFromContext(c)
		if user == nil {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		hasRole := false
		for _, role := range roles {
			// 管理员直接放行
			if user.Role == model.RoleAdmin {
				hasRole = true
				break
			}
			if user.Role == role {
				hasRole = true
				break
			}
		}

		if !hasRole {
			util.Forbidden(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
