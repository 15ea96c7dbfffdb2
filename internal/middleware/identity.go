package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleOperator = "operator"
	RoleAdmin    = "admin"

	callerKey = "fulfillment.caller"
)

// Caller is the identity asserted by the upstream auth proxy.
type Caller struct {
	ID   string
	Role string
}

// Identity 读取上游鉴权网关注入的身份头，不做校验；缺失时不设置 caller。
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id != "" {
			role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole)))
			if role == "" {
				role = RoleCustomer
			}
			c.Set(callerKey, Caller{ID: id, Role: role})
		}
		c.Next()
	}
}

func CallerFrom(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "missing caller identity"})
			return
		}
		if !allowed[caller.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "role " + caller.Role + " is not allowed"})
			return
		}
		c.Next()
	}
}
