package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the caller's Result.
const ResultKey = "auth_result"

// GinAuth rejects unauthenticated requests with 401.
func GinAuth(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="procwatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// FromContext returns the Result stored by GinAuth.
func FromContext(c *gin.Context) (Result, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return Result{}, false
	}
	res, ok := v.(Result)
	return res, ok
}
