// Package auth is the credential plane: issuance and verification of session
// tokens and API keys, plus password handling. Both token classes share one
// signed JWT shape and are told apart by the embedded type claim.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes the two token classes.
type TokenType string

const (
	TokenSession TokenType = "session"
	TokenAPIKey  TokenType = "api_key"
)

// Scope catalog. Closed set; admin covers every route.
const (
	ScopeAdmin      = "admin"
	ScopeModelsRead = "models:read"
	ScopeChat       = "chat:base"
	ScopeEmbeddings = "embeddings:base"
	ScopeAudio      = "audio:transcribe"
)

// AllScopes lists the catalog; user scope sets must be subsets of it.
var AllScopes = []string{ScopeAdmin, ScopeModelsRead, ScopeChat, ScopeEmbeddings, ScopeAudio}

// Verification failure reasons. Handlers map these onto 401/403.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidSignature   = errors.New("invalid token signature")
	ErrExpired            = errors.New("token expired")
	ErrRevoked            = errors.New("token revoked")
	ErrNotFound           = errors.New("token not found")
	ErrDisabledUser       = errors.New("user disabled")
	ErrInsufficientScope  = errors.New("insufficient scope")
)

// Claims is the shared signed payload for both token classes.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string  `json:"scopes"`
	Type   TokenType `json:"type"`
}

// HasScope reports whether the claims cover the scope; admin covers all.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Covers reports whether required ⊆ claims.scopes (admin passes everything).
// Empty required means any authenticated principal.
func (c *Claims) Covers(required []string) bool {
	for _, r := range required {
		if !c.HasScope(r) {
			return false
		}
	}
	return true
}

// ValidScope reports whether the scope belongs to the catalog.
func ValidScope(scope string) bool {
	for _, s := range AllScopes {
		if s == scope {
			return true
		}
	}
	return false
}
