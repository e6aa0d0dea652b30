package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/database/testutil"
	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/pkg/crypto"
)

const handlerTestPassword = "password"

type handlerFixture struct {
	db      *gorm.DB
	tokens  *iauth.TokenService
	handler *AuthHandler
	user    *models.User
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: "handler-test-secret",
		Issuer: "test-suite",
	})
	require.NoError(t, err)

	tokens, err := iauth.NewTokenService(db, jwtSvc, iauth.TokenConfig{})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, iauth.SessionConfig{})
	require.NoError(t, err)

	hash, err := crypto.HashPassword(handlerTestPassword)
	require.NoError(t, err)
	user := &models.User{
		Username: "handler-user",
		Email:    "handler-user@example.com",
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)

	return &handlerFixture{
		db:      db,
		tokens:  tokens,
		handler: NewAuthHandler(db, tokens, sessions, nil),
		user:    user,
	}
}

func (f *handlerFixture) router() *gin.Engine {
	r := gin.New()
	r.POST("/api/auth/login", f.handler.Login)
	r.POST("/api/auth/refresh", f.handler.Refresh)
	return r
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) login(t *testing.T, r *gin.Engine) (access, refresh string) {
	t.Helper()

	w := postJSON(r, "/api/auth/login", gin.H{
		"identifier": f.user.Username,
		"password":   handlerTestPassword,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var envelope struct {
		Data struct {
			Tokens struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
			} `json:"tokens"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Data.Tokens.AccessToken)
	require.NotEmpty(t, envelope.Data.Tokens.RefreshToken)
	return envelope.Data.Tokens.AccessToken, envelope.Data.Tokens.RefreshToken
}

func TestRefreshRotatesPresentedToken(t *testing.T) {
	f := newHandlerFixture(t)
	r := f.router()

	_, refresh := f.login(t, r)

	w := postJSON(r, "/api/auth/refresh", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var envelope struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Data.AccessToken)
	require.NotEmpty(t, envelope.Data.RefreshToken)
	require.NotEqual(t, refresh, envelope.Data.RefreshToken)

	// The presented token was retired in the exchange; replaying it fails.
	replay := postJSON(r, "/api/auth/refresh", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusUnauthorized, replay.Code, replay.Body.String())
	require.Contains(t, replay.Body.String(), "INVALID_CREDENTIAL")
	require.Contains(t, replay.Body.String(), "Invalid or expired credential")

	// The replacement still works.
	w = postJSON(r, "/api/auth/refresh", gin.H{"refresh_token": envelope.Data.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The stored row for the original token carries the rotation reason.
	var stored models.RefreshToken
	require.NoError(t, f.db.Take(&stored, "token = ?", refresh).Error)
	require.True(t, stored.Revoked)
	require.Equal(t, "rotated", stored.RevokedReason)
}

func TestRefreshRejectedTokensAreIndistinguishable(t *testing.T) {
	f := newHandlerFixture(t)
	r := f.router()

	_, refresh := f.login(t, r)

	w := postJSON(r, "/api/auth/refresh", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A rotated-away token and one that never existed produce identical
	// responses, so a caller cannot probe which tokens were ever issued.
	replayed := postJSON(r, "/api/auth/refresh", gin.H{"refresh_token": refresh})
	fabricated := postJSON(r, "/api/auth/refresh", gin.H{"refresh_token": "never-issued-token"})

	require.Equal(t, http.StatusUnauthorized, replayed.Code)
	require.Equal(t, http.StatusUnauthorized, fabricated.Code)
	require.JSONEq(t, replayed.Body.String(), fabricated.Body.String())
}
