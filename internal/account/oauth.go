package account

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// Embedded OAuth client of the desktop agent. These are public installed-app
// credentials, not secrets in the confidential-client sense.
const (
	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "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"
	oauthAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
)

var oauthScopes = []string{
	"openid",
	"email",
	"profile",
	"https://www.googleapis.com/auth/cloud-platform",
}

// Authenticator performs the OAuth flows the pool needs. Split out so tests
// can swap in a fake without a live token endpoint.
type Authenticator interface {
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// GoogleAuthenticator drives the Google token endpoint. A nil Client uses
// http.DefaultClient.
type GoogleAuthenticator struct {
	Client *http.Client
}

func (g GoogleAuthenticator) config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       oauthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  oauthAuthURL,
			TokenURL: oauthTokenURL,
		},
	}
}

func (g GoogleAuthenticator) httpContext(ctx context.Context) context.Context {
	if g.Client != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, g.Client)
	}
	return ctx
}

// Exchange trades an authorization code for tokens.
func (g GoogleAuthenticator) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	tok, err := g.config(redirectURI).Exchange(g.httpContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	return tok, nil
}

// Refresh trades a refresh token for a fresh access token.
func (g GoogleAuthenticator) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := g.config("").TokenSource(g.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth refresh: %w", err)
	}
	return tok, nil
}

// identityClaims are the ID-token claims the pool cares about.
type identityClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// identityFromToken extracts identity from a Google ID token. The token
// arrived over TLS from the token endpoint moments ago, so the claims are
// read without signature verification.
func identityFromToken(idToken string) (identityClaims, error) {
	var claims identityClaims
	if idToken == "" {
		return claims, model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, "token response carried no id_token", nil)
	}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return claims, model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, "malformed id_token", err)
	}
	if claims.Email == "" {
		return claims, model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, "id_token carried no email claim", nil)
	}
	return claims, nil
}

// idTokenOf pulls the id_token extra off a token response.
func idTokenOf(tok *oauth2.Token) string {
	if v, ok := tok.Extra("id_token").(string); ok {
		return v
	}
	return ""
}
