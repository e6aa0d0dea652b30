package app

import (
	iauth "github.com/querydeck/querydeck/internal/auth"
)

// JWTServiceConfig converts configuration into the JWT service's input.
func (a AuthConfig) JWTServiceConfig() iauth.JWTConfig {
	return iauth.JWTConfig{
		Secret:         a.JWT.Secret,
		Issuer:         a.JWT.Issuer,
		AccessTokenTTL: a.JWT.TTL,
	}
}

// TokenServiceConfig converts configuration into the token service's input.
func (a AuthConfig) TokenServiceConfig() iauth.TokenConfig {
	return iauth.TokenConfig{
		RefreshTokenTTL: a.Session.RefreshTTL,
		RefreshLength:   a.Session.RefreshLength,
	}
}

// SessionServiceConfig converts configuration into the session service's input.
func (a AuthConfig) SessionServiceConfig() iauth.SessionConfig {
	return iauth.SessionConfig{
		MaxConcurrent: a.Session.MaxConcurrent,
		SessionTTL:    a.Session.SessionTTL,
		IdleTimeout:   a.Session.IdleTimeout,
	}
}
