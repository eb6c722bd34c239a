// Package signing computes and checks webhook payload signatures.
//
// The signature is the lowercase hex HMAC-SHA256 of the exact request body,
// keyed by the destination secret, sent in the X-Webhook-Signature header.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the payload signature on outbound deliveries.
const Header = "X-Webhook-Signature"

// Sign returns the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
// The comparison is constant-time; hex case is ignored.
func Verify(payload []byte, secret, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
