package security

import "github.com/gin-gonic/gin"

// ContextKeyClaims is the gin context key holding the operator claims
const ContextKeyClaims = "operator_claims"

// SetClaims stores the authenticated claims on the request
func SetClaims(c *gin.Context, claims *OperatorClaims) {
	c.Set(ContextKeyClaims, claims)
}

// ClaimsFrom returns the authenticated claims, or nil
func ClaimsFrom(c *gin.Context) *OperatorClaims {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*OperatorClaims)
	return claims
}

// HasRole reports whether the request was authenticated with one of roles
func HasRole(c *gin.Context, roles ...string) bool {
	claims := ClaimsFrom(c)
	if claims == nil {
		return false
	}
	for _, r := range roles {
		if claims.Role == r {
			return true
		}
	}
	return false
}
