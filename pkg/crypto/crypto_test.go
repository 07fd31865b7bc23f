package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(32)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := GenerateToken(32)
	require.NoError(t, err)
	require.NotEqual(t, token, other)
}

func TestConstantTimeEquals(t *testing.T) {
	require.True(t, ConstantTimeEquals("nonce", "nonce"))
	require.False(t, ConstantTimeEquals("nonce", "other"))
	require.False(t, ConstantTimeEquals("nonce", "nonc"))
	require.True(t, ConstantTimeEquals("", ""))
}
