package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasherRoundTrip(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)
	for _, plain := range []string{"secret", "correct horse battery", strings.Repeat("x", MaxSecretBytes-1)} {
		hash, err := hasher.Hash(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, hash)
		assert.True(t, IsHashed(hash))
		assert.True(t, hasher.Verify(plain, hash))

		other, err := hasher.Hash(plain + "x")
		require.NoError(t, err)
		assert.False(t, hasher.Verify(plain, other))
	}
}

func TestHasherSaltsEveryHash(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)
	first, err := hasher.Hash("secret")
	require.NoError(t, err)
	second, err := hasher.Hash("secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestNewHasherClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).Cost())
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).Cost())
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost())
}

func TestVerifyRejectsGarbage(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)
	assert.False(t, hasher.Verify("secret", ""))
	assert.False(t, hasher.Verify("secret", "secret"))
	assert.False(t, IsHashed("secret"))
	_, err := hasher.Hash("")
	assert.Error(t, err)
}
