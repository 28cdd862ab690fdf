package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/classb-node/internal/config"
	"github.com/lorawan-node/classb-node/pkg/crypto"
)

func testManager(t *testing.T) *JWTManager {
	t.Helper()
	return NewJWTManager(&config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
}

func TestTokenPairRoundTrip(t *testing.T) {
	m := testManager(t)

	access, refresh, err := m.GenerateTokenPair()
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	assert.NotEqual(t, access, refresh)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.True(t, claims.Operator)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m := testManager(t)
	access, _, err := m.GenerateTokenPair()
	require.NoError(t, err)

	other := NewJWTManager(&config.JWTConfig{
		Secret:          "another-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: time.Hour,
	})
	_, err = other.ValidateToken(access)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  -time.Minute,
		RefreshTokenTTL: time.Hour,
	})

	access, _, err := m.GenerateTokenPair()
	require.NoError(t, err)

	_, err = m.ValidateToken(access)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := testManager(t)
	_, err := m.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	m := testManager(t)
	_, refresh, err := m.GenerateTokenPair()
	require.NoError(t, err)

	access2, refresh2, err := m.RefreshToken(refresh)
	require.NoError(t, err)

	claims, err := m.ValidateToken(access2)
	require.NoError(t, err)
	assert.True(t, claims.Operator)
	assert.NotEmpty(t, refresh2)
}

func TestVerifyPassword(t *testing.T) {
	m := testManager(t)

	hash, err := crypto.HashPassword("changeme")
	require.NoError(t, err)

	assert.True(t, m.VerifyPassword("changeme", hash))
	assert.False(t, m.VerifyPassword("wrong", hash))
}
