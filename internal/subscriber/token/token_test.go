package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueProducesUniqueTokens(t *testing.T) {
	codec := NewCodec("test-secret")

	tok1, hash1, err := codec.Issue("sub-a", "juniper.camp", 0)
	require.NoError(t, err)
	tok2, hash2, err := codec.Issue("sub-a", "juniper.camp", 0)
	require.NoError(t, err)

	assert.NotEqual(t, tok1, tok2)
	assert.NotEqual(t, hash1, hash2)
	// 32 random bytes, base64url without padding.
	assert.Len(t, tok1, 43)
}

func TestVerifyRoundTrip(t *testing.T) {
	codec := NewCodec("test-secret")

	tok, hash, err := codec.Issue("sub-a", "juniper.camp", 3)
	require.NoError(t, err)

	assert.True(t, codec.Verify("sub-a", "juniper.camp", 3, hash, tok))
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	codec := NewCodec("test-secret")

	tok, hash, err := codec.Issue("sub-a", "juniper.camp", 0)
	require.NoError(t, err)

	tampered := "x" + tok[1:]
	assert.False(t, codec.Verify("sub-a", "juniper.camp", 0, hash, tampered))
}

func TestVerifyBindsToKey(t *testing.T) {
	codec := NewCodec("test-secret")

	tok, hash, err := codec.Issue("sub-a", "juniper.camp", 0)
	require.NoError(t, err)

	// The same token must not confirm a different subscriber or site.
	assert.False(t, codec.Verify("sub-b", "juniper.camp", 0, hash, tok))
	assert.False(t, codec.Verify("sub-a", "naturism.is", 0, hash, tok))
}

func TestVerifyBindsToGeneration(t *testing.T) {
	codec := NewCodec("test-secret")

	tok, hash, err := codec.Issue("sub-a", "juniper.camp", 1)
	require.NoError(t, err)

	// A token minted for generation 1 is stale once the record moves on,
	// even against its own historical hash.
	assert.False(t, codec.Verify("sub-a", "juniper.camp", 2, hash, tok))
}

func TestVerifyDependsOnSecret(t *testing.T) {
	tok, hash, err := NewCodec("secret-one").Issue("sub-a", "juniper.camp", 0)
	require.NoError(t, err)

	assert.False(t, NewCodec("secret-two").Verify("sub-a", "juniper.camp", 0, hash, tok))
}
