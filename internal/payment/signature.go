package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier checks gateway payment signatures: hex(HMAC-SHA256(secret, orderHandle|transactionHandle)).
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) Verifier {
	return Verifier{secret: []byte(secret)}
}

// Sign computes the signature the gateway would send for a payment.
func (v Verifier) Sign(orderHandle, transactionHandle string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderHandle + "|" + transactionHandle))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time.
func (v Verifier) Verify(orderHandle, transactionHandle, signature string) bool {
	if len(v.secret) == 0 || signature == "" {
		return false
	}
	expected := v.Sign(orderHandle, transactionHandle)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
