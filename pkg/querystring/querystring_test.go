package querystring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeMatchesKnownValue(t *testing.T) {
	// The value embedded in verification links for alice@example.com.
	require.Equal(t, "YWxpY2VAZXhhbXBsZS5jb20~", Encode("alice@example.com"))
}

func TestRoundTrip(t *testing.T) {
	addresses := []string{
		"alice@example.com",
		"foo'bar@example.com",
		"UPPER.case+tag@example.net",
		"unicode-héllo@example.org",
		"",
	}
	for _, address := range addresses {
		decoded, err := Decode(Encode(address))
		require.NoError(t, err)
		require.Equal(t, address, decoded)
	}
}

func TestEncodedValueNeedsNoEscaping(t *testing.T) {
	encoded := Encode("alice@example.com")
	require.NotContains(t, encoded, "=")
	require.NotContains(t, encoded, "&")
	require.NotContains(t, encoded, "+")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("!!not-base64!!")
	require.Error(t, err)
}
