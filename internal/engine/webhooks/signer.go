package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
)

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SignatureValue is the X-Webhook-Signature header value for payload.
func SignatureValue(secret string, payload []byte) string {
	return signaturePrefix + Sign(secret, payload)
}

// VerifySignature checks a "sha256=<hex>" header value in constant time.
// Receivers can use it to validate deliveries.
func VerifySignature(secret string, payload []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return subtle.ConstantTimeCompare(mac.Sum(nil), got) == 1
}
