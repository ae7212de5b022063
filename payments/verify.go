package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

// verifyHMACSHA512Hex reports whether signature is the lowercase-hex HMAC-SHA512
// of payload keyed by secret, using a constant-time comparison.
func verifyHMACSHA512Hex(payload []byte, secret, signature string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return secureEq([]byte(expected), []byte(signature))
}

// secureEq compares two byte slices in constant time, independent of length
// mismatches (subtle.ConstantTimeCompare requires equal-length inputs).
func secureEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
