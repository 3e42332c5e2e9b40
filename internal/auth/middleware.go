package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey holds the Result in the gin context.
const ResultKey = "auth_result"

// GinAuth rejects unauthenticated requests. A nil Service lets everything through.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		res, err := s.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="nploy"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinLogin exchanges basic credentials for a token.
func (s *Service) GinLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "basic credentials required"})
			return
		}
		tok, err := s.Login(u, p)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, tok)
	}
}
