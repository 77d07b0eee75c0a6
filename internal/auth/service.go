package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
)

// Service issues and verifies both token classes against the shared store.
type Service struct {
	registry *config.Registry
	users    *database.UserRepo
	keys     *database.APIKeyRepo
}

func NewService(registry *config.Registry, users *database.UserRepo, keys *database.APIKeyRepo) *Service {
	return &Service{registry: registry, users: users, keys: keys}
}

func (s *Service) signingMethod() jwt.SigningMethod {
	cfg := s.registry.Current().Config()
	if m := jwt.GetSigningMethod(cfg.OAuth2.Algorithm); m != nil {
		return m
	}
	return jwt.SigningMethodHS256
}

func (s *Service) sign(claims *Claims) (string, error) {
	cfg := s.registry.Current().Config()
	token := jwt.NewWithClaims(s.signingMethod(), claims)
	return token.SignedString(cfg.Secret())
}

// IssueSession mints a short-lived session token. Not persisted; validated by
// signature and expiry alone.
func (s *Service) IssueSession(username string, scopes []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.registry.Current().Config().SessionTTL())
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scopes: scopes,
		Type:   TokenSession,
	}
	tok, err := s.sign(claims)
	return tok, exp, err
}

// IssueAPIKey mints a long-lived key and persists it, revoking the user's
// prior active keys in the same transaction. Admin keys may omit expiry when
// the config allows it and the caller did not ask otherwise.
func (s *Service) IssueAPIKey(ctx context.Context, user *database.User, neverExpires *bool) (string, *time.Time, error) {
	cfg := s.registry.Current().Config()
	now := time.Now().UTC()

	isAdmin := false
	for _, sc := range user.Scopes {
		if sc == ScopeAdmin {
			isAdmin = true
		}
	}

	var expClaim *jwt.NumericDate
	var expiresAt *time.Time
	exp := now.Add(cfg.APIKeyTTL())
	if isAdmin && cfg.OAuth2.AdminTokenNeverExpires && (neverExpires == nil || *neverExpires) {
		// No exp claim; the row still carries a display expiry for housekeeping.
		expiresAt = nil
	} else {
		expClaim = jwt.NewNumericDate(exp)
		expiresAt = &exp
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expClaim,
		},
		Scopes: user.Scopes,
		Type:   TokenAPIKey,
	}
	tok, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}

	if err := s.keys.Create(ctx, tok, user.ID, expiresAt); err != nil {
		return "", nil, err
	}
	return tok, expiresAt, nil
}

// Verify decodes and validates a token and enforces the required scopes.
// API keys are additionally checked against their persisted row.
func (s *Service) Verify(ctx context.Context, tokenString string, requiredScopes []string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingCredentials
	}
	cfg := s.registry.Current().Config()

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != s.signingMethod().Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return cfg.Secret(), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	if claims.Type == TokenAPIKey {
		if err := s.checkPersistedKey(ctx, tokenString); err != nil {
			return nil, err
		}
	}

	user, err := s.users.GetByUsername(ctx, claims.Subject)
	if err == nil && user.Disabled {
		return nil, ErrDisabledUser
	}

	if !claims.Covers(requiredScopes) {
		return nil, ErrInsufficientScope
	}
	return claims, nil
}

// checkPersistedKey consults the api_keys row; a single retry absorbs
// transient store errors.
func (s *Service) checkPersistedKey(ctx context.Context, key string) error {
	row, err := s.keys.Get(ctx, key)
	if err != nil && database.IsRetryable(err) {
		slog.Warn("auth: api key lookup retry", "error", err)
		row, err = s.keys.Get(ctx, key)
	}
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if row.Revoked {
		return ErrRevoked
	}
	if row.ExpiresAt != nil && row.ExpiresAt.Before(time.Now()) {
		return ErrExpired
	}
	return nil
}

// HashPassword returns a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPassword compares a candidate password with the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
