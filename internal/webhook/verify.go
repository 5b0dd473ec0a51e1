package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrInvalidSignature is returned when a delivery's HMAC does not match its body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// SignatureHeader carries the base64 HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Hmac-Sha256"

// HMACVerifier checks base64 HMAC-SHA256 signatures with a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier builds a verifier. An empty secret rejects every delivery.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Verify reports ErrInvalidSignature unless signature matches body.
func (v *HMACVerifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, sum(v.secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature a sender holding secret would attach to body.
func Sign(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(sum([]byte(secret), body))
}

func sum(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
