// Package auth implements a single shared API key check in front of the
// control plane, via constant-time header comparison.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"exeio/internal/apierr"
)

var errUnauthorized = errors.New("invalid or missing api key")

// HeaderName is the request header carrying the API key.
const HeaderName = "exeio-api-key"

// Middleware rejects any request whose exeio-api-key header does not match
// key, using a constant-time comparison so response timing leaks nothing
// about how much of the key matched.
func Middleware(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderName))
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": apierr.Auth("auth", errUnauthorized).Error(),
			})
			return
		}
		c.Next()
	}
}
