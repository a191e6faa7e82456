package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify_RoundTrips(t *testing.T) {
	v := NewVerifier("test-secret")
	tok, err := v.Issue("u1", "telegram", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "telegram", claims.Channel)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")
	tok, err := v.Issue("u1", "telegram", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	v1 := NewVerifier("secret-a")
	v2 := NewVerifier("secret-b")

	tok, err := v1.Issue("u1", "telegram", time.Minute)
	require.NoError(t, err)

	_, err = v2.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsMalformedToken(t *testing.T) {
	v := NewVerifier("test-secret")
	_, err := v.Verify("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}
