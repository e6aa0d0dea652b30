package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/pkg/errors"
	"github.com/querydeck/querydeck/pkg/logger"
	"github.com/querydeck/querydeck/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxUserIDKey    = "userID"
	CtxSessionIDKey = "sessionID"
	CtxRawTokenKey  = "rawToken"
)

// Auth enforces authentication: a syntactically valid signature is necessary
// but not sufficient. The token must also be absent from the blacklist and,
// when it carries a session, that session must still be live. Every failure
// renders the same generic 401.
func Auth(jwt *iauth.JWTService, tokens *iauth.TokenService, sessions *iauth.SessionService) gin.HandlerFunc {
	log := logger.WithModule("middleware.auth")

	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := jwt.ValidateAccessToken(raw)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrInvalidCredential)
			c.Abort()
			return
		}

		blacklisted, err := tokens.IsBlacklisted(c.Request.Context(), raw, models.TokenKindAccess)
		if err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			c.Abort()
			return
		}
		if blacklisted {
			response.Error(c, errors.ErrInvalidCredential)
			c.Abort()
			return
		}

		if claims.SessionID != "" {
			valid, err := sessions.IsSessionValid(c.Request.Context(), claims.SessionID)
			if err != nil {
				response.Error(c, errors.ErrInternalServer.WithInternal(err))
				c.Abort()
				return
			}
			if !valid {
				response.Error(c, errors.ErrInvalidCredential)
				c.Abort()
				return
			}

			if err := sessions.TouchActivity(c.Request.Context(), claims.SessionID); err != nil {
				log.Warn("touch activity failed", zap.Error(err))
			}
			// Advisory only; a failed heuristic pass never blocks the request.
			if err := sessions.DetectAnomalies(c.Request.Context(), claims.SessionID, c.ClientIP(), c.Request.UserAgent()); err != nil {
				log.Warn("anomaly detection failed", zap.Error(err))
			}
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		c.Set(CtxRawTokenKey, raw)
		if claims.SessionID != "" {
			c.Set(CtxSessionIDKey, claims.SessionID)
		}

		c.Next()
	}
}

// RequireAdmin gates a route group to admin users. Must run after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok || !claims.IsAdmin {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ClaimsFromContext retrieves the validated claims stored by Auth.
func ClaimsFromContext(c *gin.Context) (*iauth.Claims, bool) {
	value, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*iauth.Claims)
	return claims, ok
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
