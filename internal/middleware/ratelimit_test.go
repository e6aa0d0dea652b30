package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/ratelimit"
)

func newRateLimitRouter(t *testing.T, limits map[ratelimit.Tier]map[ratelimit.Category]int) (*gin.Engine, *iauth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ratelimit.NewMemoryStore()
	t.Cleanup(store.Close)

	limiter := ratelimit.New(store, ratelimit.Config{Limits: limits})

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "ratelimit-test-secret"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(RateLimit(limiter, jwtSvc))
	r.GET("/api/queries", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r, jwtSvc
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	r, _ := newRateLimitRouter(t, map[ratelimit.Tier]map[ratelimit.Category]int{
		ratelimit.TierAnonymous: {ratelimit.CategoryDefault: 2},
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		require.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
		require.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestRateLimitAuthenticatedUsersGetOwnBucket(t *testing.T) {
	r, jwtSvc := newRateLimitRouter(t, map[ratelimit.Tier]map[ratelimit.Category]int{
		ratelimit.TierAnonymous:     {ratelimit.CategoryDefault: 1},
		ratelimit.TierAuthenticated: {ratelimit.CategoryDefault: 5},
	})

	// Exhaust the anonymous bucket for this IP.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queries", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queries", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// The same client with a valid token is counted under the user id.
	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitAdminBypass(t *testing.T) {
	r, jwtSvc := newRateLimitRouter(t, map[ratelimit.Tier]map[ratelimit.Category]int{
		ratelimit.TierAnonymous:     {ratelimit.CategoryDefault: 1},
		ratelimit.TierAuthenticated: {ratelimit.CategoryDefault: 1},
		ratelimit.TierAdmin:         {ratelimit.CategoryDefault: 0},
	})

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: "admin-1", IsAdmin: true})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}
