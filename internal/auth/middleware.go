package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the caller's Claims.
const ClaimsKey = "claims"

// APIKeySubject is the subject of requests authenticated with the admin API key.
const APIKeySubject = "api-key"

// Bearer enforces bearer JWT tokens signed with HS256. When adminKey is set, an
// X-API-Key header matching it authenticates as an unscoped admin.
func Bearer(signingKey, issuer, adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			if adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.Set(ClaimsKey, Claims{Subject: APIKeySubject, Role: RoleAdmin})
			c.Next()
			return
		}

		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// OrgScope rejects callers whose claims do not cover the :org path parameter.
func OrgScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := FromContext(c)
		if !claims.CanAccess(c.Param("org")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "organization not permitted"})
			return
		}
		c.Next()
	}
}

// AdminOnly rejects callers without the admin role.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !FromContext(c).Privileged() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// FromContext returns the claims set by Bearer, or zero claims.
func FromContext(c *gin.Context) Claims {
	v, _ := c.Get(ClaimsKey)
	claims, _ := v.(Claims)
	return claims
}
