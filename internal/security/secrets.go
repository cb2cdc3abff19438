// Package security holds the shared-secret checks used by the HTTP surface.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

func HashSecretSHA256(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func ConstantTimeEqualHex(aHex, bHex string) bool {
	a, err1 := hex.DecodeString(aHex)
	b, err2 := hex.DecodeString(bHex)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// TokenEqual compares a presented token to the configured one without leaking
// length or prefix timing.
func TokenEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return ConstantTimeEqualHex(HashSecretSHA256(presented), HashSecretSHA256(expected))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature header. The "sha256=" prefix some
// providers send is accepted.
func VerifySignature(secret string, body []byte, header string) bool {
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}
	return ConstantTimeEqualHex(strings.ToLower(sig), Sign(secret, body))
}
