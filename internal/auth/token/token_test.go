package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "0123456789abcdef0123456789abcdef"

func TestMintAndValidate(t *testing.T) {
	issuer := NewIssuer(key, time.Hour)

	tok, expires, err := issuer.Mint("alice", false)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := issuer.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.False(t, claims.Admin)
	assert.WithinDuration(t, expires, claims.ExpiresAt, time.Second)
}

func TestAdminClaimRoundTrip(t *testing.T) {
	issuer := NewIssuer(key, time.Hour)

	tok, _, err := issuer.Mint("root", true)
	require.NoError(t, err)

	claims, err := issuer.Validate(tok)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
}

func TestValidateRejectsOtherKey(t *testing.T) {
	issuer := NewIssuer(key, time.Hour)
	other := NewIssuer("ffffffffffffffffffffffffffffffff", time.Hour)

	tok, _, err := issuer.Mint("alice", false)
	require.NoError(t, err)

	// A token signed with K fails under any K' != K.
	_, err = other.Validate(tok)
	require.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuer(key, time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }

	tok, _, err := issuer.Mint("alice", false)
	require.NoError(t, err)

	// Validation uses real time again.
	issuer.now = time.Now
	_, err = issuer.Validate(tok)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	issuer := NewIssuer(key, time.Hour)

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		_, err := issuer.Validate(tok)
		assert.Error(t, err, "token %q", tok)
	}
}
