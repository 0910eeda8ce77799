package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerVerifier_RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	signer := NewSigner(secret, time.Minute)
	verifier := NewVerifier(secret)

	tok, err := signer.Issue(RoleCoord, "admin")
	require.NoError(t, err)

	claims, err := verifier.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, RoleCoord, claims.Role)
	assert.Equal(t, "admin", claims.User)
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	signer := NewSigner([]byte("secret-a"), time.Minute)
	verifier := NewVerifier([]byte("secret-b"))

	tok, err := signer.Issue(RoleOperator, "op")
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsExpired(t *testing.T) {
	signer := NewSigner([]byte("secret"), -time.Second)
	verifier := NewVerifier([]byte("secret"))

	tok, err := signer.Issue(RoleCoord, "admin")
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRole_Allows(t *testing.T) {
	assert.True(t, RoleCoord.Allows(RoleOperator))
	assert.True(t, RoleCoord.Allows(RoleCoord))
	assert.True(t, RoleOperator.Allows(RoleOperator))
	assert.False(t, RoleOperator.Allows(RoleCoord))
}
