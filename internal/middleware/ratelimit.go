package middleware

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/ratelimit"
	"github.com/querydeck/querydeck/pkg/errors"
	"github.com/querydeck/querydeck/pkg/metrics"
	"github.com/querydeck/querydeck/pkg/response"
)

// RateLimit admits or rejects each request before any handler runs. The tier
// comes from a best-effort peek at the bearer token: a valid token buckets by
// user id, anything else buckets by client IP. Token validation failures are
// left for the Auth middleware to report; here they just mean "anonymous".
func RateLimit(limiter *ratelimit.Limiter, jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()
		tier := ratelimit.TierAnonymous

		if raw := bearerToken(c); raw != "" {
			if claims, err := jwt.ValidateAccessToken(raw); err == nil {
				identity = claims.UserID
				tier = ratelimit.TierAuthenticated
				if claims.IsAdmin {
					tier = ratelimit.TierAdmin
				}
			}
		}

		decision := limiter.Check(c.Request.Context(), identity, c.Request.URL.Path, tier)

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}

		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			metrics.RateLimitRejections.WithLabelValues(string(decision.Tier), string(decision.Category)).Inc()

			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
