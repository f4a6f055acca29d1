// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the two authentication gates:
//
//   - InternalAPIKey guards the service-to-service routes the generation
//     worker calls (reserve, refund, status updates).
//   - FirebaseAuth guards the public API and puts the caller's uid on the
//     context under "userID" for handlers, idempotency and rate limiting.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-credit-ledger/internal/auth"
)

// HeaderInternalAPIKey carries the shared secret on internal routes.
const HeaderInternalAPIKey = "X-Internal-API-Key"

const ctxKeyUserID = "userID"

// UserID returns the authenticated uid, or "" on unauthenticated routes.
func UserID(c *gin.Context) string { return userIDFromCtx(c) }

// InternalAPIKey rejects requests whose X-Internal-API-Key does not match key
// with 403. An empty key rejects everything.
func InternalAPIKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderInternalAPIKey))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "forbidden",
				"message":    "forbidden",
			})
			return
		}
		c.Next()
	}
}

// TokenVerifier is satisfied by *auth.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*auth.Token, error)
}

// FirebaseAuth requires "Authorization: Bearer <ID token>" and responds 401
// when it is missing or does not verify.
func FirebaseAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		tok, err := v.Verify(c.Request.Context(), raw)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("id token rejected")
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Set(ctxKeyUserID, tok.UID)
		c.Next()
	}
}

func bearerToken(h string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="api"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    msg,
	})
}
