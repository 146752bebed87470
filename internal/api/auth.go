package api

import (
	"net/http"
	"strconv"
	"strings"

	"ticket-service/internal/apperr"
	"ticket-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalKey = "principal"

// Claims is the bearer token payload. Subject carries the numeric user id.
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// authenticate verifies an HS256 bearer token and stores the caller's principal on the context
func authenticate(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			abortWithError(c, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}

		claims := &Claims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}); err != nil {
			abortWithError(c, http.StatusUnauthorized, codeUnauthorized, "invalid token")
			return
		}

		userID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, codeUnauthorized, "invalid token subject")
			return
		}

		c.Set(principalKey, models.Principal{
			UserID: userID,
			Email:  claims.Email,
			Roles:  claims.Roles,
		})
		c.Next()
	}
}

// requireRole rejects callers holding none of the given roles
func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		for _, role := range roles {
			if p.HasRole(role) {
				c.Next()
				return
			}
		}
		abortWithError(c, http.StatusForbidden, apperr.CodeForbidden, "insufficient role")
	}
}

func principal(c *gin.Context) models.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(models.Principal); ok {
			return p
		}
	}
	return models.Principal{}
}
