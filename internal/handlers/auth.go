package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/middleware"
	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/internal/services"
	"github.com/querydeck/querydeck/pkg/crypto"
	appErrors "github.com/querydeck/querydeck/pkg/errors"
	"github.com/querydeck/querydeck/pkg/metrics"
	"github.com/querydeck/querydeck/pkg/response"
)

// dummyHash is compared against when the identifier matches no account, so a
// failed lookup costs roughly the same as a failed password check.
var dummyHash, _ = crypto.HashPassword("querydeck-dummy-credential")

// AuthHandler manages authentication flows (login/refresh/logout/me).
type AuthHandler struct {
	db       *gorm.DB
	tokens   *iauth.TokenService
	sessions *iauth.SessionService
	audit    *services.AuditService
}

// NewAuthHandler wires the authentication endpoints. The audit service may be
// nil, in which case no trail is written.
func NewAuthHandler(db *gorm.DB, tokens *iauth.TokenService, sessions *iauth.SessionService, audit *services.AuditService) *AuthHandler {
	return &AuthHandler{db: db, tokens: tokens, sessions: sessions, audit: audit}
}

func (h *AuthHandler) logAudit(c *gin.Context, action, result, userID string) {
	if h.audit == nil {
		return
	}
	entry := services.AuditEntry{
		Action:    action,
		Resource:  "auth",
		Result:    result,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if userID != "" {
		entry.UserID = &userID
	}
	_ = h.audit.Log(requestContext(c), entry)
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)

	var user models.User
	err := h.db.WithContext(requestContext(c)).
		Where("username = ? OR email = ?", req.Identifier, req.Identifier).
		Take(&user).Error
	if err != nil {
		crypto.VerifyPassword(dummyHash, req.Password)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		h.logAudit(c, "auth.login", "failure", "")
		response.Error(c, appErrors.ErrInvalidLogin)
		return
	}

	if !user.IsActive || !crypto.VerifyPassword(user.Password, req.Password) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		h.logAudit(c, "auth.login", "failure", user.ID)
		response.Error(c, appErrors.ErrInvalidLogin)
		return
	}

	session, err := h.sessions.CreateSession(requestContext(c), user.ID, iauth.SessionMetadata{
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		LoginMethod: "password",
	})
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		if errors.Is(err, iauth.ErrSessionLimitExceeded) {
			response.Error(c, appErrors.ErrSessionLimit)
			return
		}
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	refresh, err := h.tokens.IssueRefreshToken(requestContext(c), user.ID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	access, err := h.tokens.IssueAccessToken(&user, session.ID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	if err := h.db.WithContext(requestContext(c)).Model(&user).
		Updates(map[string]any{
			"last_login_at": session.CreatedAt,
			"last_login_ip": c.ClientIP(),
		}).Error; err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	h.logAudit(c, "auth.login", "success", user.ID)

	response.Success(c, http.StatusOK, gin.H{
		"tokens":     tokenResponse{AccessToken: access, RefreshToken: refresh.Token},
		"session_id": session.ID,
		"user": gin.H{
			"id":           user.ID,
			"username":     user.Username,
			"email":        user.Email,
			"display_name": user.DisplayName,
			"is_admin":     user.IsAdmin,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/refresh
//
// The presented refresh token is retired and replaced in the same exchange.
// A stolen token is therefore only replayable until its first legitimate use.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	access, user, err := h.tokens.RefreshAccessToken(requestContext(c), req.RefreshToken)
	if err != nil {
		h.logAudit(c, "auth.refresh", "failure", "")
		response.Error(c, appErrors.ErrInvalidCredential)
		return
	}

	if err := h.tokens.RevokeRefreshToken(requestContext(c), req.RefreshToken, "rotated", c.ClientIP()); err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	replacement, err := h.tokens.IssueRefreshToken(requestContext(c), user.ID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.logAudit(c, "auth.refresh", "success", user.ID)

	response.Success(c, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: replacement.Token,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	// Body is optional; a logout without a refresh token still kills the
	// session and the access token.
	var req logoutRequest
	_ = c.ShouldBindJSON(&req)

	if raw := c.GetString(middleware.CtxRawTokenKey); raw != "" {
		if err := h.tokens.BlacklistToken(requestContext(c), raw, models.TokenKindAccess, userID, "logout", c.ClientIP()); err != nil {
			response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	if req.RefreshToken != "" {
		if err := h.tokens.RevokeRefreshToken(requestContext(c), req.RefreshToken, "logout", c.ClientIP()); err != nil {
			response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	if sid := c.GetString(middleware.CtxSessionIDKey); sid != "" {
		err := h.sessions.RevokeSession(requestContext(c), sid, "logout", c.ClientIP())
		if err != nil && !errors.Is(err, iauth.ErrSessionNotFound) {
			response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	h.logAudit(c, "auth.logout", "success", userID)

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	tokens, err := h.tokens.RevokeAllUserTokens(requestContext(c), userID, "logout everywhere", c.ClientIP())
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	sessions, err := h.sessions.RevokeUserSessions(requestContext(c), userID, "logout everywhere", c.ClientIP())
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	if raw := c.GetString(middleware.CtxRawTokenKey); raw != "" {
		if err := h.tokens.BlacklistToken(requestContext(c), raw, models.TokenKindAccess, userID, "logout everywhere", c.ClientIP()); err != nil {
			response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	h.logAudit(c, "auth.logout_all", "success", userID)

	response.Success(c, http.StatusOK, gin.H{
		"revoked_tokens":   tokens,
		"revoked_sessions": sessions,
	})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.WithContext(requestContext(c)).Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"id":            user.ID,
		"username":      user.Username,
		"email":         user.Email,
		"display_name":  user.DisplayName,
		"auth_provider": user.AuthProvider,
		"is_admin":      user.IsAdmin,
		"is_active":     user.IsActive,
		"last_login_at": user.LastLoginAt,
	})
}
