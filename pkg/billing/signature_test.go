package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHMACSHA256(t *testing.T) {
	body := []byte(`{"event":"subscription.charged"}`)
	sig := SignHMACSHA256("whsec", body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid", "whsec", body, sig, true},
		{"valid with prefix", "whsec", body, "sha256=" + sig, true},
		{"wrong secret", "other", body, sig, false},
		{"tampered body", "whsec", []byte(`{"event":"subscription.cancelled"}`), sig, false},
		{"not hex", "whsec", body, "zz", false},
		{"empty signature", "whsec", body, "", false},
		{"empty secret", "", body, SignHMACSHA256("", body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyHMACSHA256(tt.secret, tt.body, tt.signature))
		})
	}
}

func TestVerifyPaymentSignature(t *testing.T) {
	sig := SignPayment("key_secret", "order_1", "pay_1")

	assert.True(t, VerifyPaymentSignature("key_secret", "order_1", "pay_1", sig))
	assert.False(t, VerifyPaymentSignature("key_secret", "order_2", "pay_1", sig))
	assert.False(t, VerifyPaymentSignature("key_secret", "order_1", "pay_2", sig))
	assert.False(t, VerifyPaymentSignature("key_secret", "", "", SignPayment("key_secret", "", "")))
}
