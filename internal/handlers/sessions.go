package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/middleware"
	"github.com/querydeck/querydeck/internal/models"
	appErrors "github.com/querydeck/querydeck/pkg/errors"
	"github.com/querydeck/querydeck/pkg/response"
)

// SessionHandler exposes per-user session management.
type SessionHandler struct {
	sessions *iauth.SessionService
}

func NewSessionHandler(sessions *iauth.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type sessionView struct {
	ID             string `json:"id"`
	IPAddress      string `json:"ip_address"`
	UserAgent      string `json:"user_agent"`
	LoginMethod    string `json:"login_method"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
	ExpiresAt      string `json:"expires_at"`
	IsSuspicious   bool   `json:"is_suspicious"`
	Suspicious     string `json:"suspicious_reason,omitempty"`
	Current        bool   `json:"current"`
}

// GET /api/auth/sessions
func (h *SessionHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	currentID := c.GetString(middleware.CtxSessionIDKey)

	sessions, err := h.sessions.ListUserSessions(requestContext(c), userID)
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s, currentID))
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": views})
}

// DELETE /api/auth/sessions/:id
func (h *SessionHandler) Revoke(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessionID := c.Param("id")
	session, err := h.sessions.GetSession(requestContext(c), sessionID)
	if err != nil || session.UserID != userID {
		// Someone else's session and a nonexistent one look identical.
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	err = h.sessions.RevokeSession(requestContext(c), sessionID, "revoked by user", c.ClientIP())
	if err != nil {
		if errors.Is(err, iauth.ErrSessionNotFound) {
			response.Error(c, appErrors.ErrNotFound)
			return
		}
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/auth/sessions/revoke-others
func (h *SessionHandler) RevokeOthers(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	currentID := c.GetString(middleware.CtxSessionIDKey)
	if userID == "" || currentID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	revoked, err := h.sessions.RevokeOtherSessions(requestContext(c), currentID, userID, "revoked by user")
	if err != nil {
		response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": revoked})
}

func toSessionView(s models.Session, currentID string) sessionView {
	const layout = "2006-01-02T15:04:05Z07:00"
	return sessionView{
		ID:             s.ID,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		LoginMethod:    s.LoginMethod,
		CreatedAt:      s.CreatedAt.Format(layout),
		LastActivityAt: s.LastActivityAt.Format(layout),
		ExpiresAt:      s.ExpiresAt.Format(layout),
		IsSuspicious:   s.IsSuspicious,
		Suspicious:     s.SuspiciousReason,
		Current:        s.ID == currentID,
	}
}
