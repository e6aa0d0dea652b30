package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/handlers"
	"github.com/querydeck/querydeck/internal/middleware"
	"github.com/querydeck/querydeck/internal/ratelimit"
	"github.com/querydeck/querydeck/internal/services"
)

// Deps bundles the services the router wires into middleware and handlers.
type Deps struct {
	DB       *gorm.DB
	JWT      *iauth.JWTService
	Tokens   *iauth.TokenService
	Sessions *iauth.SessionService
	Limiter  *ratelimit.Limiter
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter must be provided")
	}

	r := gin.New()

	// Global middleware. The limiter runs ahead of authentication so abusive
	// anonymous traffic is shed before any credential work happens.
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.RateLimit(deps.Limiter, deps.JWT))

	r.NoRoute(middleware.NotFoundHandler)

	r.GET("/health", handlers.Health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	audit, err := services.NewAuditService(deps.DB)
	if err != nil {
		return nil, err
	}

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Tokens, deps.Sessions, audit)
	sessionHandler := handlers.NewSessionHandler(deps.Sessions)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
	}

	// Protected routes
	requireAuth := middleware.Auth(deps.JWT, deps.Tokens, deps.Sessions)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/auth/logout-all", authHandler.LogoutAll)

	sessions := api.Group("/auth/sessions")
	{
		sessions.GET("", sessionHandler.List)
		sessions.DELETE("/:id", sessionHandler.Revoke)
		sessions.POST("/revoke-others", sessionHandler.RevokeOthers)
	}

	return r, nil
}
