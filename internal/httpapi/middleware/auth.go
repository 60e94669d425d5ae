package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/auth"
	"github.com/suPer8Hu/colorific/internal/common"
)

const UserIDKey = "user_id"

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// AuthRequired accepts a session token from the Authorization header only.
func AuthRequired(secret string) gin.HandlerFunc {
	return authenticate(secret, false)
}

// WebsocketAuth also accepts the access_token query param, since browsers
// cannot set headers on a websocket upgrade. Use it on upgrade routes only.
func WebsocketAuth(secret string) gin.HandlerFunc {
	return authenticate(secret, true)
}

func authenticate(secret string, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" && allowQuery {
			tok = c.Query("access_token")
		}
		if tok == "" {
			common.Unauthorized(c)
			return
		}
		uid, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Unauthorized(c)
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// SharedSecret guards trigger endpoints (cron, worker). An empty secret
// never matches.
func SharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if secret == "" || tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) != 1 {
			common.Unauthorized(c)
			return
		}
		c.Next()
	}
}

func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
