package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// ContextKeyClaims holds the validated shell token claims.
const ContextKeyClaims = "claims"

// tokenSource pulls a raw shell token out of a request, or returns "".
type tokenSource func(c *gin.Context) string

func bearerHeader(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// queryToken serves WebSocket upgrades, where browsers cannot set headers.
func queryToken(c *gin.Context) string {
	return c.Query("token")
}

// RequireShellJWT accepts the shell token from the Authorization header only.
func RequireShellJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireShell(authService, bearerHeader)
}

// RequireShellWSAuth accepts the shell token from ?token= or, for native
// clients, the Authorization header.
func RequireShellWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return requireShell(authService, queryToken, bearerHeader)
}

func requireShell(authService *service.AuthService, sources ...tokenSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw string
		for _, src := range sources {
			if raw = src(c); raw != "" {
				break
			}
		}
		if raw == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(raw)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims returns the claims stored by the auth middleware, or nil.
func GetClaims(c *gin.Context) *service.Claims {
	claims, _ := c.Value(ContextKeyClaims).(*service.Claims)
	return claims
}
