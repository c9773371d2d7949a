package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, opts ...IssuerOption) *Issuer {
	t.Helper()
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	issuer, err := NewIssuer(keys.PrivateKeyPEMBytes, keys.PublicKeyPEMBytes, opts...)
	require.NoError(t, err)
	return issuer
}

func TestIssueAndValidate(t *testing.T) {
	issuer := newTestIssuer(t)

	tok, expiry, err := issuer.Issue()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(TTL), expiry, 5*time.Second)

	id, err := issuer.Validate(tok)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// the id is stable across validations
	id2, err := issuer.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestValidateExpiryBoundary(t *testing.T) {
	issued := time.Now()
	current := issued
	issuer := newTestIssuer(t, WithClock(func() time.Time { return current }))

	tok, _, err := issuer.Issue()
	require.NoError(t, err)

	// just before expiry
	current = issued.Add(TTL - time.Second)
	_, err = issuer.Validate(tok)
	require.NoError(t, err)

	// at expiry
	current = issued.Add(TTL)
	_, err = issuer.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// after expiry
	current = issued.Add(TTL + time.Second)
	_, err = issuer.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateNotYetValid(t *testing.T) {
	issued := time.Now()
	current := issued
	issuer := newTestIssuer(t, WithClock(func() time.Time { return current }))

	tok, _, err := issuer.Issue()
	require.NoError(t, err)

	current = issued.Add(-time.Minute)
	_, err = issuer.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuer := newTestIssuer(t)
	other := newTestIssuer(t)

	tok, _, err := other.Issue()
	require.NoError(t, err)

	_, err = issuer.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := issuer.Validate(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", tok)
	}
}
