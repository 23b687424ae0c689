package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// VerifySignature checks the provider's HMAC-SHA256 signature over the
// raw, unparsed request body.  Comparison is constant time - a naive
// string compare would leak how many leading bytes matched.
func VerifySignature(rawBody []byte, signatureHeader string, sharedKey string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || sharedKey == "" {
		return false
	}

	decodedSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(sharedKey))
	mac.Write(rawBody)

	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// ComputeSignature produces the signature the provider would send for a
// payload.  Used by tests and the local event injection tooling.
func ComputeSignature(rawBody []byte, sharedKey string) string {
	mac := hmac.New(sha256.New, []byte(sharedKey))
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
