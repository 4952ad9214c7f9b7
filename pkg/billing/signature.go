package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignHMACSHA256 returns the lowercase hex HMAC-SHA256 of payload.
func SignHMACSHA256(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 checks a hex HMAC-SHA256 signature over payload in
// constant time. An empty secret or signature never verifies.
func VerifyHMACSHA256(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	// Accept "sha256=<hex>" as sent by some gateways.
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// PaymentSignaturePayload is the message signed for checkout verification.
func PaymentSignaturePayload(orderID, paymentID string) []byte {
	return []byte(orderID + "|" + paymentID)
}

// SignPayment returns the checkout signature for an order and payment.
func SignPayment(secret, orderID, paymentID string) string {
	return SignHMACSHA256(secret, PaymentSignaturePayload(orderID, paymentID))
}

// VerifyPaymentSignature checks a checkout signature for an order and payment.
func VerifyPaymentSignature(secret, orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return VerifyHMACSHA256(secret, PaymentSignaturePayload(orderID, paymentID), signature)
}
