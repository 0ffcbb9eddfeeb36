package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	tok, err := NewAccessToken("2f1d9c1e-0000-4000-8000-000000000001", "a@example.com", RoleAdmin, "secret", time.Minute)
	require.NoError(t, err)

	claims, err := Parse(tok, "secret")
	require.NoError(t, err)
	require.Equal(t, "2f1d9c1e-0000-4000-8000-000000000001", claims.UserID())
	require.Equal(t, "a@example.com", claims.Email)
	require.True(t, claims.IsAdmin())
}

func TestParse_RejectsWrongSecretAndExpired(t *testing.T) {
	tok, err := NewAccessToken("u1", "a@example.com", RoleClient, "secret", time.Minute)
	require.NoError(t, err)
	_, err = Parse(tok, "other")
	require.Error(t, err)

	expired, err := NewAccessToken("u1", "a@example.com", RoleClient, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, "secret")
	require.Error(t, err)
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.False(t, NeedsRehash(hash))

	ok, err := CheckPassword("correct horse", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = CheckPassword("wrong", hash)
	require.NoError(t, err)
	require.False(t, ok)

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.True(t, NeedsRehash(string(legacy)))

	ok, err = CheckPassword("legacy pass", string(legacy))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = CheckPassword("nope", string(legacy))
	require.NoError(t, err)
	require.False(t, ok)
}
