// SPDX-License-Identifier: MIT

package ports

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signWebhook(authToken, requestURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(requestURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhookVerifier_ValidSignature(t *testing.T) {
	v := NewWebhookVerifier("secret-token", false)
	url := "https://hooks.example.com/sms?tenant=clinic-1"
	body := []byte(`{"From":"+15551234567","Body":"YES"}`)

	err := v.Verify(url, body, signWebhook("secret-token", url, body))
	assert.NoError(t, err)
}

func TestWebhookVerifier_MissingSignature(t *testing.T) {
	v := NewWebhookVerifier("secret-token", false)
	err := v.Verify("https://hooks.example.com/sms", []byte("{}"), "")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWebhookVerifier_WrongToken(t *testing.T) {
	v := NewWebhookVerifier("secret-token", false)
	url := "https://hooks.example.com/sms"
	body := []byte(`{"Body":"YES"}`)

	err := v.Verify(url, body, signWebhook("other-token", url, body))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWebhookVerifier_TamperedBody(t *testing.T) {
	v := NewWebhookVerifier("secret-token", false)
	url := "https://hooks.example.com/sms"
	sig := signWebhook("secret-token", url, []byte(`{"Body":"YES"}`))

	err := v.Verify(url, []byte(`{"Body":"STOP"}`), sig)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWebhookVerifier_TamperedURL(t *testing.T) {
	v := NewWebhookVerifier("secret-token", false)
	body := []byte(`{"Body":"YES"}`)
	sig := signWebhook("secret-token", "https://hooks.example.com/sms?tenant=clinic-1", body)

	err := v.Verify("https://hooks.example.com/sms?tenant=clinic-2", body, sig)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWebhookVerifier_DevModeSkipsVerification(t *testing.T) {
	v := NewWebhookVerifier("secret-token", true)
	err := v.Verify("https://hooks.example.com/sms", []byte("{}"), "")
	assert.NoError(t, err)
}
