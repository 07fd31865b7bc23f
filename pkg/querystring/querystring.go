// Package querystring implements the reversible URL-safe text transform used
// in email verification links. It is not general URL-encoding: the redemption
// endpoint must recover the literal address byte for byte, so the value is
// base64-encoded with the padding character swapped for "~", which needs no
// escaping inside a query string.
package querystring

import (
	"encoding/base64"
	"strings"
)

// Encode returns a URL-safe representation of v that round-trips exactly
// through Decode.
func Encode(v string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(v))
	return strings.ReplaceAll(encoded, "=", "~")
}

// Decode reverses Encode.
func Decode(v string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.ReplaceAll(v, "~", "="))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
