package auth

import (
	"testing"
	"time"

	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewJWTTokens_ShortSecret(t *testing.T) {
	_, err := NewJWTTokens("too-short", "vigia-api", nil, nil)
	assert.Error(t, err)
}

func TestJWTTokens_RoundTrip(t *testing.T) {
	clock := utils.NewFakeClock(epoch)
	tokens, err := NewJWTTokens(testSecret, "vigia-api", utils.NewSequenceGenerator("jti"), clock)
	require.NoError(t, err)

	user := models.User{ID: "u-1", Email: "ana@vigia.org", Role: models.RoleAdmin}
	token, err := tokens.Issue(user, epoch, epoch.Add(time.Hour))
	require.NoError(t, err)

	claims, err := tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, "ana@vigia.org", claims.Email)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.Equal(t, "jti-1", claims.ID)
	assert.Equal(t, "vigia-api", claims.Issuer)

	clock.Advance(2 * time.Hour)
	assert.Error(t, tokens.Verify(token))
}

func TestJWTTokens_RejectsForeignTokens(t *testing.T) {
	ours, err := NewJWTTokens(testSecret, "vigia-api", nil, utils.NewFakeClock(epoch))
	require.NoError(t, err)
	theirs, err := NewJWTTokens("fedcba9876543210fedcba9876543210", "vigia-api", nil, utils.NewFakeClock(epoch))
	require.NoError(t, err)
	otherIssuer, err := NewJWTTokens(testSecret, "someone-else", nil, utils.NewFakeClock(epoch))
	require.NoError(t, err)

	user := models.User{ID: "u-1"}
	forged, err := theirs.Issue(user, epoch, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Error(t, ours.Verify(forged))

	foreign, err := otherIssuer.Issue(user, epoch, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Error(t, ours.Verify(foreign))

	assert.Error(t, ours.Verify("not.a.jwt"))
}

func TestOpaqueTokens(t *testing.T) {
	tokens := OpaqueTokens{IDs: utils.NewSequenceGenerator("tok")}
	a, err := tokens.Issue(models.User{}, epoch, epoch)
	require.NoError(t, err)
	b, err := tokens.Issue(models.User{}, epoch, epoch)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPlainPasswords(t *testing.T) {
	var h PlainPasswords
	stored, err := h.Hash("secret1")
	require.NoError(t, err)
	assert.Equal(t, "secret1", stored)
	assert.True(t, h.Compare(stored, "secret1"))
	assert.False(t, h.Compare(stored, "secret2"))
}
