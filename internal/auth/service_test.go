package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
)

func testConfig() *config.Config {
	return &config.Config{
		OAuth2: config.OAuth2Config{
			SecretKey:                "unit-test-secret",
			Algorithm:                "HS256",
			AccessTokenExpireMinutes: 30,
			UserTokenExpireDays:      30,
		},
	}
}

// deadDB yields repos over a closed pool; lookups fail fast and the service
// paths under test never reach the store.
func deadDB(t *testing.T) *database.DB {
	t.Helper()
	pool, err := sql.Open("postgres", "host=localhost")
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	return database.NewWithPool(pool, "")
}

func newTestService(t *testing.T) *Service {
	db := deadDB(t)
	return NewService(config.NewRegistryFromConfig(testConfig()), db.Users(), db.APIKeys())
}

func TestSessionRoundTrip(t *testing.T) {
	svc := newTestService(t)

	tok, exp, err := svc.IssueSession("alice", []string{ScopeChat, ScopeModelsRead})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), exp, 5*time.Second)

	claims, err := svc.Verify(context.Background(), tok, []string{ScopeChat})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, TokenSession, claims.Type)
}

func TestVerifyRejectsMissingToken(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Verify(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestVerifyRejectsInsufficientScope(t *testing.T) {
	svc := newTestService(t)
	tok, _, err := svc.IssueSession("bob", []string{ScopeModelsRead})
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), tok, []string{ScopeChat})
	assert.ErrorIs(t, err, ErrInsufficientScope)
}

func TestAdminScopeCoversEverything(t *testing.T) {
	svc := newTestService(t)
	tok, _, err := svc.IssueSession("root", []string{ScopeAdmin})
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), tok, []string{ScopeChat, ScopeEmbeddings, ScopeAudio})
	assert.NoError(t, err)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	svc := newTestService(t)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{ScopeAdmin},
		Type:   TokenSession,
	})
	tok, err := other.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), tok, nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := newTestService(t)

	stale := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Scopes: []string{ScopeChat},
		Type:   TokenSession,
	})
	tok, err := stale.SignedString([]byte("unit-test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), tok, nil)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	svc := newTestService(t)

	// Token signed with none must never pass an HS256 service.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
		Scopes:           []string{ScopeAdmin},
		Type:             TokenSession,
	})
	tok, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), tok, nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestClaimsHelpers(t *testing.T) {
	c := &Claims{Scopes: []string{ScopeChat}}
	assert.True(t, c.HasScope(ScopeChat))
	assert.False(t, c.HasScope(ScopeAudio))
	assert.True(t, c.Covers(nil))
	assert.False(t, c.Covers([]string{ScopeChat, ScopeAudio}))

	admin := &Claims{Scopes: []string{ScopeAdmin}}
	assert.True(t, admin.Covers(AllScopes))
}

func TestValidScope(t *testing.T) {
	for _, s := range AllScopes {
		assert.True(t, ValidScope(s))
	}
	assert.False(t, ValidScope("chat"))
	assert.False(t, ValidScope(""))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)
	assert.True(t, CheckPassword(hash, "hunter22"))
	assert.False(t, CheckPassword(hash, "hunter23"))
}
