package auth_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/auth"
)

func newManager(t *testing.T) *auth.TokenManager {
	t.Helper()
	m, err := auth.NewTokenManager("", "", 24*time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateToken(t *testing.T) {
	m := newManager(t)
	regID := uuid.New()

	token, err := m.IssueToken("worker_1", regID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "worker_1", claims.ComponentID)
	assert.Equal(t, regID, claims.RegistrationID)
	assert.Equal(t, "musubi", claims.Issuer)
}

func TestValidateToken_WrongKey(t *testing.T) {
	m1 := newManager(t)
	m2 := newManager(t)

	token, err := m1.IssueToken("worker_1", uuid.New())
	require.NoError(t, err)

	// A token signed by one hub instance must not validate against another's key.
	_, err = m2.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	m := newManager(t)
	for _, tok := range []string{"", "not-a-jwt", "aaaa.bbbb.cccc"} {
		_, err := m.ValidateToken(tok)
		require.Error(t, err, "expected error for %q", tok)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	m, err := auth.NewTokenManager("", "", -time.Minute)
	require.NoError(t, err)

	token, err := m.IssueToken("worker_1", uuid.New())
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	require.Error(t, err)
}

func TestAdminKeyHash(t *testing.T) {
	encoded, err := auth.HashAdminKey("s3cret")
	require.NoError(t, err)

	ok, err := auth.VerifyAdminKey("s3cret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.VerifyAdminKey("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = auth.VerifyAdminKey("s3cret", "malformed")
	require.Error(t, err)
}
