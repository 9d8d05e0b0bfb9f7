package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// RequireTokenType checks that the authenticated token is one of allowed.
// It must run after a JWT middleware has stored the claims.
func RequireTokenType(allowed ...service.TokenType) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			_ = c.Error(errNoClaims)
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		for _, t := range allowed {
			if claims.TokenType == t {
				c.Next()
				return
			}
		}

		response.AbortFail(c, http.StatusForbidden, forbiddenCode(allowed))
	}
}

func forbiddenCode(allowed []service.TokenType) response.ErrCode {
	if len(allowed) != 1 {
		return response.ErrForbidden
	}
	switch allowed[0] {
	case service.TokenTypeCandidate:
		return response.ErrCandidateAccessOnly
	case service.TokenTypeProctor:
		return response.ErrProctorAccessOnly
	}
	return response.ErrForbidden
}
