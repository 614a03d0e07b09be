// internal/middleware/helpers.go
package middleware

import (
	"fieldops-security/internal/service/auth"

	"github.com/gin-gonic/gin"
)

// GetPrincipal returns the caller set by Auth().
func GetPrincipal(c *gin.Context) (*auth.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return nil, false
	}
	p, ok := v.(*auth.Principal)
	return p, ok
}

// MustGetPrincipal gets the caller from context or panics
func MustGetPrincipal(c *gin.Context) *auth.Principal {
	p, ok := GetPrincipal(c)
	if !ok {
		panic("principal not found in context")
	}
	return p
}

// GetRoles gets user roles from context
func GetRoles(c *gin.Context) []string {
	p, ok := GetPrincipal(c)
	if !ok {
		return []string{}
	}
	return p.Roles
}

// IsAuthenticated checks if request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetPrincipal(c)
	return ok
}

// IsAdmin checks if user is an admin
func IsAdmin(c *gin.Context) bool {
	p, ok := GetPrincipal(c)
	return ok && p.IsAdmin()
}
