package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign(t *testing.T) {
	secret := "secret"
	payload := []byte("payload")

	// Calculated using: echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	assert.Equal(t, expected, Sign(secret, payload))
	assert.Equal(t, "sha256="+expected, SignatureValue(secret, payload))
}

func TestSignatureIsDeterministic(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"prompt.created","data":{"a":1},"timestamp":"2026-01-01T00:00:00.000Z"}`)
	assert.Equal(t, SignatureValue("whsec", payload), SignatureValue("whsec", payload))
	assert.NotEqual(t, SignatureValue("whsec", payload), SignatureValue("other", payload))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"ok":true}`)
	header := SignatureValue("whsec", payload)

	assert.True(t, VerifySignature("whsec", payload, header))
	assert.False(t, VerifySignature("whsec", []byte(`{"ok":false}`), header))
	assert.False(t, VerifySignature("wrong", payload, header))
	assert.False(t, VerifySignature("whsec", payload, Sign("whsec", payload)), "prefix required")
	assert.False(t, VerifySignature("whsec", payload, "sha256=zz"))
	assert.False(t, VerifySignature("", payload, header))
}

func TestInvalidEvents(t *testing.T) {
	assert.Empty(t, InvalidEvents([]string{EventPromptCreated, EventApprovalRejected}))
	assert.Equal(t, []string{"bogus.event"}, InvalidEvents([]string{"prompt.created", "bogus.event"}))
	assert.Equal(t, []string{"a", "b"}, InvalidEvents([]string{"a", "prompt.created", "b", "a"}))
	assert.Equal(t, []string{EventTest}, InvalidEvents([]string{EventTest}))
	assert.Len(t, SupportedEvents(), 17)
}
