package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/store"
)

var testUser = store.User{ID: "user-1", WalletAddress: "0x1111111111111111111111111111111111111111"}

func TestIssueAndParse(t *testing.T) {
	t.Parallel()

	m, err := NewManager("secret", 0)
	require.NoError(t, err)

	token, err := m.Issue(testUser)
	require.NoError(t, err)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, testUser.WalletAddress, claims.WalletAddress)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), claims.ExpiresAt.Time, time.Minute)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	m, err := NewManager("secret", time.Hour)
	require.NoError(t, err)
	other, err := NewManager("other", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue(testUser)
	require.NoError(t, err)

	expiredMgr, err := NewManager("secret", time.Hour)
	require.NoError(t, err)
	expiredMgr.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredMgr.Issue(testUser)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "user-1"},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      expired,
		"alg none":     unsigned,
		"empty":        "",
	} {
		_, err := m.Parse(token)
		assert.ErrorIs(t, err, paygate.ErrUnauthorized, name)
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewManager("", time.Hour)
	assert.Error(t, err)
}
