package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ctxPrincipalClaims = "quorum_principal_claims"

	// DevPrincipalHeader names the principal when no token secret is configured.
	DevPrincipalHeader = "X-Principal"
	// DevRolesHeader lists comma-separated roles in dev mode.
	DevRolesHeader = "X-Roles"
)

// RequirePrincipal returns a Gin middleware that authenticates the caller.
//
// With a TokenIssuer it enforces a valid Bearer principal token. With a nil
// issuer (dev mode) it trusts the X-Principal and X-Roles headers instead.
// On success it injects the *PrincipalClaims into the context.
func RequirePrincipal(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			principal := strings.TrimSpace(c.GetHeader(DevPrincipalHeader))
			if principal == "" {
				abortUnauthorized(c, DevPrincipalHeader+" header required")
				return
			}
			claims := &PrincipalClaims{Principal: principal}
			claims.Subject = principal
			for _, r := range strings.Split(c.GetHeader(DevRolesHeader), ",") {
				if r = strings.TrimSpace(r); r != "" {
					claims.Roles = append(claims.Roles, r)
				}
			}
			c.Set(ctxPrincipalClaims, claims)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Bearer principal token required")
			return
		}
		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			abortUnauthorized(c, "invalid token: "+err.Error())
			return
		}
		c.Set(ctxPrincipalClaims, claims)
		c.Next()
	}
}

// RequireRole returns a Gin middleware that rejects principals without role.
// It must run after RequirePrincipal.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ClaimsFromCtx(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": role + " role required",
				"code":  "forbidden",
			})
			return
		}
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequirePrincipal.
// Returns nil if the request was not authenticated.
func ClaimsFromCtx(c *gin.Context) *PrincipalClaims {
	v, _ := c.Get(ctxPrincipalClaims)
	claims, _ := v.(*PrincipalClaims)
	return claims
}

// PrincipalFromCtx returns the authenticated principal name, or "".
func PrincipalFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Principal
	}
	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  "unauthorized",
	})
}
