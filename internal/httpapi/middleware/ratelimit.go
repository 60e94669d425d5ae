package middleware

import (
	"context"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/common"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// RateLimit counts requests per user (or per client IP before auth) in a
// shared fixed window. A nil limiter or a non-positive limit disables it;
// limiter errors let the request through.
func RateLimit(l Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || limit <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if uid, ok := UserID(c); ok {
			key = "user:" + uid
		}

		allowed, retryAfter, err := l.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			log.Printf("[ratelimit] limiter unavailable key=%s err=%v", key, err)
			c.Next()
			return
		}
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			common.Fail(c, http.StatusTooManyRequests, "Too many requests")
			return
		}
		c.Next()
	}
}
