package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestSessionMissingToken(t *testing.T) {
	_, err := NewSession(StaticToken("  ")).Token()
	assert.ErrorIs(t, err, ErrMissingToken)

	var nilSession *Session
	_, err = nilSession.Token()
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestSessionUserKeyFromClaims(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"user_id": 42, "exp": time.Now().Add(time.Hour).Unix()})
	s := NewSession(StaticToken(token))

	got, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, token, got)
	assert.Equal(t, "42", s.UserKey())
}

func TestSessionRejectsExpiredToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"user_id": 7, "exp": time.Now().Add(-time.Minute).Unix()})
	_, err := NewSession(StaticToken(token)).Token()
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionOpaqueToken(t *testing.T) {
	s := NewSession(StaticToken("opaque-token"))
	got, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", got)
	assert.Equal(t, "default", s.UserKey())
}

func TestFileToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	_, err := FileToken{Path: path}.Token()
	assert.ErrorIs(t, err, ErrMissingToken)

	require.NoError(t, os.WriteFile(path, []byte("abc\n"), 0o600))
	got, err := FileToken{Path: path}.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestSessionClaimsProfileFields(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"user_id": 7, "username": "mai", "display_name": "Mai"})
	claims, ok := NewSession(StaticToken(token)).Claims()
	require.True(t, ok)
	assert.Equal(t, "mai", claims.Username)
	assert.Equal(t, "Mai", claims.DisplayName)

	_, ok = NewSession(StaticToken("opaque")).Claims()
	assert.False(t, ok)
}
